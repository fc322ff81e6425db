package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"drifthub/internal/protocol"
	"drifthub/internal/sessions"
)

const testDeviceID = "00a4b5697e3d16796b818d656ccea433"

type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
	closeCode  int
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) CloseWithStatus(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func newTestRouter(t *testing.T) (*Router, *sessions.Registry, *fakeConn) {
	t.Helper()
	registry := sessions.NewRegistry()
	conn := &fakeConn{}
	if _, err := registry.Register(conn, "room1", "SN1", testDeviceID, "zh-CN"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	router := NewRouter(registry, Config{
		RtmpHost:   "media.example.com",
		RtmpPort:   1935,
		UploadHost: "hub.example.com",
	})
	return router, registry, conn
}

func TestHeartbeatRefreshesWithoutReply(t *testing.T) {
	router, registry, _ := newTestRouter(t)
	s, _ := registry.Get(testDeviceID)
	before := s.LastHeartbeat()

	raw := []byte(`{"type":"notify","event":"join","deviceId":"` + testDeviceID + `"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply != nil {
		t.Errorf("heartbeat must not produce a reply, got %+v", res.Reply)
	}
	if s.LastHeartbeat().Before(before) {
		t.Error("heartbeat should refresh liveness")
	}
}

func TestHeartbeatForUnknownSessionIsTolerated(t *testing.T) {
	router, _, _ := newTestRouter(t)
	raw := []byte(`{"type":"notify","event":"join"}`)
	res := router.Handle(context.Background(), "gone", raw)
	if res.Reply != nil {
		t.Errorf("unknown-session heartbeat is logged, not replied to: %+v", res.Reply)
	}
}

func TestDeviceInfoUpdatesRegistry(t *testing.T) {
	router, registry, _ := newTestRouter(t)

	raw := []byte(`{"type":"notify","event":"device_info","deviceId":"` + testDeviceID + `","playId":"p7","data":{"no":"SN1","stream_res":"1080P"}}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil {
		t.Fatal("device_info should be acked")
	}
	if res.Reply.Code != 0 {
		t.Errorf("expected code 0, got %d", res.Reply.Code)
	}
	if res.Reply.Type != protocol.TypeDeviceNotify || res.Reply.Event != protocol.EventDeviceInfo {
		t.Errorf("unexpected ack envelope: %s/%s", res.Reply.Type, res.Reply.Event)
	}
	if res.Reply.DeviceID != testDeviceID || res.Reply.PlayID != "p7" {
		t.Error("ack must echo deviceId and playId")
	}

	s, _ := registry.Get(testDeviceID)
	if s.Info().StreamRes != "1080P" {
		t.Errorf("registry should report the new resolution, got %s", s.Info().StreamRes)
	}
}

func TestDeviceInfoValidationFailure(t *testing.T) {
	router, registry, _ := newTestRouter(t)

	raw := []byte(`{"type":"notify","event":"device_info","deviceId":"` + testDeviceID + `","data":{"no":"SN1","stream_bitrate":4000001}}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil || res.Reply.Code != -1 {
		t.Fatalf("invalid device_info should be failure-coded, got %+v", res.Reply)
	}
	if res.Reply.ErrorMsg == "" {
		t.Error("failure reply should carry an error message")
	}

	s, _ := registry.Get(testDeviceID)
	if s.Info().StreamBitrate != 2000000 {
		t.Error("rejected report must not touch the stored snapshot")
	}
}

func TestControlResultAckNoReply(t *testing.T) {
	router, _, _ := newTestRouter(t)
	for _, raw := range []string{
		`{"type":"notify","event":"start_rtmp","deviceId":"` + testDeviceID + `","code":0}`,
		`{"type":"notify","event":"led","deviceId":"` + testDeviceID + `","code":-1}`,
		`{"type":"notify","event":"device_join","deviceId":"` + testDeviceID + `"}`,
	} {
		res := router.Handle(context.Background(), testDeviceID, []byte(raw))
		if res.Reply != nil {
			t.Errorf("control result ack must not be replied to: %s", raw)
		}
	}
}

func TestGetRtmpWithDefaults(t *testing.T) {
	router, _, _ := newTestRouter(t)

	raw := []byte(`{"type":"device_control","event":"get_rtmp","deviceId":"` + testDeviceID + `","playId":"p1"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil || res.Reply.Code != 0 {
		t.Fatalf("get_rtmp should succeed, got %+v", res.Reply)
	}
	if res.Reply.DeviceID != testDeviceID || res.Reply.PlayID != "p1" {
		t.Error("reply must echo deviceId and playId")
	}

	var payload protocol.RtmpPayload
	if err := json.Unmarshal(res.Reply.Data, &payload); err != nil {
		t.Fatalf("bad rtmp payload: %v", err)
	}
	want := "rtmp://media.example.com:1935/live/" + testDeviceID
	if payload.RtmpURL != want {
		t.Errorf("expected %s, got %s", want, payload.RtmpURL)
	}
	if payload.StreamRes != "720P" || payload.StreamBitrate != 2000000 || payload.StreamFramerate != 30 {
		t.Errorf("expected default stream params, got %+v", payload)
	}
}

func TestGetRtmpUsesReportedInfo(t *testing.T) {
	router, registry, _ := newTestRouter(t)
	info := protocol.DefaultDeviceInfo("SN1")
	info.StreamRes = "4K"
	info.StreamBitrate = 4000000
	if err := registry.UpdateDeviceInfo(testDeviceID, info); err != nil {
		t.Fatalf("UpdateDeviceInfo failed: %v", err)
	}

	raw := []byte(`{"type":"device_control","event":"get_rtmp","deviceId":"` + testDeviceID + `"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)

	var payload protocol.RtmpPayload
	if err := json.Unmarshal(res.Reply.Data, &payload); err != nil {
		t.Fatalf("bad rtmp payload: %v", err)
	}
	if payload.StreamRes != "4K" || payload.StreamBitrate != 4000000 {
		t.Errorf("expected reported stream params, got %+v", payload)
	}
}

func TestGetScreen(t *testing.T) {
	router, _, _ := newTestRouter(t)

	raw := []byte(`{"type":"device_control","event":"get_screen","deviceId":"` + testDeviceID + `"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil || res.Reply.Code != 0 {
		t.Fatalf("get_screen should succeed, got %+v", res.Reply)
	}

	var payload protocol.ScreenPayload
	if err := json.Unmarshal(res.Reply.Data, &payload); err != nil {
		t.Fatalf("bad screen payload: %v", err)
	}
	if payload.URL != "https://hub.example.com/api/v1/screenshot" {
		t.Errorf("unexpected upload URL: %s", payload.URL)
	}
	if payload.RoomID != "room1" {
		t.Errorf("expected the session's room, got %s", payload.RoomID)
	}
}

func TestPowerOffAcksThenTerminates(t *testing.T) {
	router, _, _ := newTestRouter(t)

	raw := []byte(`{"type":"device_control","event":"power_off","deviceId":"` + testDeviceID + `","playId":"p9"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil || res.Reply.Code != 0 {
		t.Fatalf("power_off should be acked, got %+v", res.Reply)
	}
	if res.Reply.PlayID != "p9" {
		t.Error("ack must echo playId")
	}
	if !res.Terminate {
		t.Fatal("power_off must request session teardown")
	}
	if res.CloseCode != sessions.CloseNormal {
		t.Errorf("power_off is a client-initiated disconnect, got close code %d", res.CloseCode)
	}
}

func TestUnknownDeviceControlEvent(t *testing.T) {
	router, _, _ := newTestRouter(t)

	raw := []byte(`{"type":"device_control","event":"make_coffee","deviceId":"` + testDeviceID + `","playId":"p2"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil {
		t.Fatal("unknown event must still produce a reply")
	}
	if res.Reply.Code != -1 {
		t.Errorf("expected code -1, got %d", res.Reply.Code)
	}
	if res.Reply.ErrorMsg == "" {
		t.Error("expected a non-empty error message")
	}
	if res.Reply.DeviceID != testDeviceID || res.Reply.PlayID != "p2" {
		t.Error("failure reply must echo deviceId and playId")
	}
}

func TestUnknownMessageType(t *testing.T) {
	router, _, _ := newTestRouter(t)

	raw := []byte(`{"type":"telepathy","event":"join","deviceId":"` + testDeviceID + `"}`)
	res := router.Handle(context.Background(), testDeviceID, raw)
	if res.Reply == nil || res.Reply.Code != -1 {
		t.Fatalf("unknown type should be failure-coded, got %+v", res.Reply)
	}
	if res.Reply.Type != protocol.TypeMessage {
		t.Errorf("failure replies use the message type, got %s", res.Reply.Type)
	}
}

func TestMalformedFrameKeepsConnectionDecision(t *testing.T) {
	router, _, _ := newTestRouter(t)

	res := router.Handle(context.Background(), testDeviceID, []byte(`{broken`))
	if res.Reply == nil || res.Reply.Code != -1 {
		t.Fatalf("malformed frame should be failure-coded, got %+v", res.Reply)
	}
	if res.Reply.DeviceID != testDeviceID {
		t.Error("reply should fall back to the session's deviceId")
	}
	if res.Terminate {
		t.Error("malformed payload keeps the connection alive")
	}
}

func TestInjectForwardsVerbatim(t *testing.T) {
	router, _, conn := newTestRouter(t)

	// Extra fields the hub does not model must survive the hop.
	raw := []byte(`{"type":"control","event":"dzoom","deviceId":"` + testDeviceID + `","data":{"dzoom":3,"vendor_ext":"x"}}`)
	env, err := router.Inject(context.Background(), raw)
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if env.Event != protocol.EventDzoom {
		t.Errorf("unexpected parsed event: %s", env.Event)
	}
	if len(conn.frames) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(conn.frames))
	}
	if string(conn.frames[0]) != string(raw) {
		t.Errorf("forwarding must be byte-for-byte: %s", conn.frames[0])
	}
}

func TestInjectRejectsNonControl(t *testing.T) {
	router, _, _ := newTestRouter(t)
	raw := []byte(`{"type":"notify","event":"join","deviceId":"` + testDeviceID + `"}`)
	if _, err := router.Inject(context.Background(), raw); !errors.Is(err, ErrNotControl) {
		t.Errorf("expected ErrNotControl, got %v", err)
	}
}

func TestInjectUnknownDevice(t *testing.T) {
	router, _, _ := newTestRouter(t)
	raw := []byte(`{"type":"control","event":"led","deviceId":"ffffffffffffffffffffffffffffffff"}`)
	if _, err := router.Inject(context.Background(), raw); !errors.Is(err, sessions.ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestInjectWriteFailure(t *testing.T) {
	router, registry, conn := newTestRouter(t)
	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	raw := []byte(`{"type":"control","event":"led","deviceId":"` + testDeviceID + `"}`)
	_, err := router.Inject(context.Background(), raw)
	if !errors.Is(err, sessions.ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed, got %v", err)
	}
	if errors.Is(err, sessions.ErrUnknownSession) {
		t.Error("a broken write must not be reported as an unknown session")
	}
	if _, ok := registry.Get(testDeviceID); ok {
		t.Error("broken session should have been evicted")
	}
}
