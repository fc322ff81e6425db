package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RanFeng/ilog"

	"drifthub/internal/protocol"
)

var (
	ErrDuplicateSession = errors.New("session already registered for device")
	ErrUnknownSession   = errors.New("no session for device")
	ErrSessionClosed    = errors.New("session is closed")
	ErrTransportFailed  = errors.New("transport write failed")
)

// Registry owns the deviceId → session mapping. It is the only shared
// mutable state in the hub; all operations are single-key map updates
// under one RWMutex. Lifetime is process uptime, nothing persists.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register creates and stores a new session for deviceID. A live
// session under the same key must be torn down first.
func (r *Registry) Register(conn Conn, roomID, serial, deviceID, language string) (*Session, error) {
	now := r.now()
	s := &Session{
		deviceID:      deviceID,
		roomID:        roomID,
		serial:        serial,
		language:      language,
		connectedAt:   now,
		lastHeartbeat: now,
		info:          protocol.DefaultDeviceInfo(serial),
		conn:          conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[deviceID]; exists {
		return nil, ErrDuplicateSession
	}
	r.sessions[deviceID] = s
	return s, nil
}

// Get returns the live session for deviceID, if any.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// TouchHeartbeat refreshes the session's liveness timestamp.
func (r *Registry) TouchHeartbeat(deviceID string) error {
	s, ok := r.Get(deviceID)
	if !ok {
		return ErrUnknownSession
	}
	s.touch(r.now())
	return nil
}

// UpdateDeviceInfo replaces the session's device snapshot wholesale.
func (r *Registry) UpdateDeviceInfo(deviceID string, info protocol.DeviceInfo) error {
	s, ok := r.Get(deviceID)
	if !ok {
		return ErrUnknownSession
	}
	s.setInfo(info)
	return nil
}

// Remove deletes and returns the session for deviceID. Removing an
// absent key is a no-op and returns nil.
func (r *Registry) Remove(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	if !ok {
		return nil
	}
	delete(r.sessions, deviceID)
	return s
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// live copies the current session set out from under the lock.
func (r *Registry) live() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// List returns snapshots of every live session.
func (r *Registry) List() []View {
	live := r.live()
	views := make([]View, 0, len(live))
	for _, s := range live {
		views = append(views, s.Snapshot())
	}
	return views
}

// ListByRoom returns snapshots of every live session in roomID.
func (r *Registry) ListByRoom(roomID string) []View {
	views := make([]View, 0)
	for _, v := range r.List() {
		if v.RoomID == roomID {
			views = append(views, v)
		}
	}
	return views
}

// Deliver writes pre-serialized bytes to the device and reports what
// went wrong: ErrUnknownSession when no session holds the key,
// ErrTransportFailed when the write itself broke. A write failure
// tears the session down; a broken pipe is cleanup, not a silent
// failure.
func (r *Registry) Deliver(ctx context.Context, deviceID string, data []byte) error {
	s, ok := r.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, deviceID)
	}
	if err := s.SendRaw(data); err != nil {
		ilog.EventError(ctx, err, "send_failed", "deviceId", deviceID)
		r.DisconnectSession(ctx, s, CloseInternal, "write failed")
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	return nil
}

// Send serializes and writes one envelope to the device.
func (r *Registry) Send(ctx context.Context, deviceID string, env *protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		ilog.EventError(ctx, err, "send_marshal_failed", "deviceId", deviceID, "event", env.Event)
		return false
	}
	return r.SendRaw(ctx, deviceID, data)
}

// SendRaw writes pre-serialized bytes to the device.
func (r *Registry) SendRaw(ctx context.Context, deviceID string, data []byte) bool {
	err := r.Deliver(ctx, deviceID, data)
	if errors.Is(err, ErrUnknownSession) {
		ilog.EventWarn(ctx, "send_unknown_session", "deviceId", deviceID)
	}
	return err == nil
}

// Disconnect removes the session and closes its transport. Idempotent:
// disconnecting an absent key is a no-op. Registry removal happens
// regardless of close success.
func (r *Registry) Disconnect(ctx context.Context, deviceID string, code int, reason string) {
	s := r.Remove(deviceID)
	if s == nil {
		return
	}
	if err := s.close(code, reason); err != nil {
		ilog.EventWarn(ctx, "close_failed", "deviceId", deviceID, "err", err)
	}
	ilog.EventInfo(ctx, "session_closed", "deviceId", deviceID, "code", code, "reason", reason)
}

// DisconnectSession closes s and evicts its registry entry only while
// the entry still points at s. A superseded connection's late cleanup
// must not take down the successor registered under the same deviceId.
func (r *Registry) DisconnectSession(ctx context.Context, s *Session, code int, reason string) {
	if s == nil {
		return
	}
	r.mu.Lock()
	current, ok := r.sessions[s.deviceID]
	evicted := ok && current == s
	if evicted {
		delete(r.sessions, s.deviceID)
	}
	r.mu.Unlock()

	if err := s.close(code, reason); err != nil {
		ilog.EventWarn(ctx, "close_failed", "deviceId", s.deviceID, "err", err)
	}
	if evicted {
		ilog.EventInfo(ctx, "session_closed", "deviceId", s.deviceID, "code", code, "reason", reason)
	}
}

// Broadcast sends one envelope to every session in roomID, best effort.
func (r *Registry) Broadcast(ctx context.Context, roomID string, env *protocol.Envelope) int {
	sent := 0
	for _, v := range r.ListByRoom(roomID) {
		if r.Send(ctx, v.DeviceID, env) {
			sent++
		}
	}
	return sent
}

// DisconnectAll tears down every live session, used at shutdown.
func (r *Registry) DisconnectAll(ctx context.Context, code int, reason string) {
	for _, s := range r.live() {
		r.DisconnectSession(ctx, s, code, reason)
	}
}
