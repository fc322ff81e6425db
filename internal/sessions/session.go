package sessions

import (
	"sync"
	"time"

	"drifthub/internal/protocol"
)

// WebSocket close codes used for session teardown.
const (
	CloseNormal    = 1000
	CloseMalformed = 1007
	CloseTimeout   = 1008
	CloseInternal  = 1011
)

// Conn is the transport handle a session exclusively owns. The gateway
// adapts its websocket connection onto this; tests plug in fakes.
type Conn interface {
	WriteMessage(data []byte) error
	CloseWithStatus(code int, reason string) error
}

// Session tracks one connected device. Created by Registry.Register,
// destroyed by Registry teardown; never reused after close.
type Session struct {
	deviceID string
	roomID   string
	serial   string
	language string

	connectedAt time.Time

	mu            sync.RWMutex
	info          protocol.DeviceInfo
	lastHeartbeat time.Time
	closed        bool

	writeMu sync.Mutex
	conn    Conn
}

func (s *Session) DeviceID() string       { return s.deviceID }
func (s *Session) RoomID() string         { return s.roomID }
func (s *Session) DeviceSerial() string   { return s.serial }
func (s *Session) Language() string       { return s.language }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Info returns the latest self-reported device snapshot.
func (s *Session) Info() protocol.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// LastHeartbeat returns the time of the last inbound heartbeat/notify.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// View is a point-in-time copy of session state, safe to hand out.
type View struct {
	DeviceID        string              `json:"deviceId"`
	RoomID          string              `json:"roomId"`
	DeviceSerial    string              `json:"deviceSerial"`
	Language        string              `json:"language"`
	ConnectedAt     time.Time           `json:"connectedAt"`
	LastHeartbeatAt time.Time           `json:"lastHeartbeatAt"`
	DeviceInfo      protocol.DeviceInfo `json:"deviceInfo"`
}

// Snapshot copies the current session state.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		DeviceID:        s.deviceID,
		RoomID:          s.roomID,
		DeviceSerial:    s.serial,
		Language:        s.language,
		ConnectedAt:     s.connectedAt,
		LastHeartbeatAt: s.lastHeartbeat,
		DeviceInfo:      s.info,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastHeartbeat) {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()
}

func (s *Session) setInfo(info protocol.DeviceInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// SendRaw writes pre-serialized bytes, preserving fields the hub does
// not model (server→device pass-through). The write mutex keeps the
// underlying connection single-writer.
func (s *Session) SendRaw(data []byte) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(data)
}

// close shuts the transport down exactly once. Safe to call repeatedly.
func (s *Session) close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.CloseWithStatus(code, reason)
}
