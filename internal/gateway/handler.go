package gateway

import (
	"context"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"

	"drifthub/internal/auth"
	"drifthub/internal/dispatch"
	"drifthub/internal/sessions"
)

// Handler owns the device-facing WebSocket endpoint: handshake, session
// registration, and the per-connection receive→dispatch→reply loop.
type Handler struct {
	registry *sessions.Registry
	router   *dispatch.Router
	verifier *auth.Verifier
	upgrader websocket.HertzUpgrader

	// readTimeout backstops a peer that vanishes without TCP teardown;
	// eviction policy itself belongs to the liveness monitor.
	readTimeout time.Duration
}

func NewHandler(registry *sessions.Registry, router *dispatch.Router, verifier *auth.Verifier, readTimeout time.Duration) *Handler {
	if readTimeout <= 0 {
		readTimeout = sessions.DefaultHeartbeatTimeout + sessions.DefaultMonitorInterval
	}
	return &Handler{
		registry: registry,
		router:   router,
		verifier: verifier,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(ctx *app.RequestContext) bool {
				return true
			},
		},
		readTimeout: readTimeout,
	}
}

// HandleDeviceSocket accepts one device connection on
// /api/ws/v1/manyRoom/:roomId/:deviceSn/device/:deviceId/:language.
func (h *Handler) HandleDeviceSocket(c context.Context, ctx *app.RequestContext) {
	roomID := ctx.Param("roomId")
	serial := ctx.Param("deviceSn")
	deviceID := ctx.Param("deviceId")
	language := ctx.Param("language")
	token := ctx.Query("token")

	if !h.verifier.Verify(c, token, deviceID, serial, roomID) {
		ctx.String(401, "authentication failed")
		return
	}

	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		h.serve(c, conn, roomID, serial, deviceID, language)
	})
	if err != nil {
		ilog.EventError(c, err, "websocket_upgrade_failed", "deviceId", deviceID)
	}
}

func (h *Handler) serve(ctx context.Context, conn wsConn, roomID, serial, deviceID, language string) {
	// A reconnect supersedes any session still held under this device.
	if _, ok := h.registry.Get(deviceID); ok {
		ilog.EventWarn(ctx, "session_superseded", "deviceId", deviceID)
		h.registry.Disconnect(ctx, deviceID, sessions.CloseNormal, "superseded by new connection")
	}

	sess, err := h.registry.Register(&hertzConn{conn: conn}, roomID, serial, deviceID, language)
	if err != nil {
		ilog.EventError(ctx, err, "session_register_failed", "deviceId", deviceID)
		_ = conn.Close()
		return
	}
	ilog.EventInfo(ctx, "device_connected",
		"deviceId", deviceID, "roomId", roomID, "serial", serial, "language", language)

	h.readLoop(ctx, sess, conn)
	// Tear down by identity, not by key: a reconnect may already have
	// registered a fresh session under this deviceId and it must survive
	// the old connection's cleanup.
	h.registry.DisconnectSession(ctx, sess, sessions.CloseNormal, "connection closed")
}

// readLoop processes inbound frames strictly in order: one receive, one
// dispatch, at most one reply. A failure here only ever affects this
// session.
func (h *Handler) readLoop(ctx context.Context, sess *sessions.Session, conn wsConn) {
	defer func() {
		if rec := recover(); rec != nil {
			ilog.EventWarn(ctx, "read_loop_panic", "deviceId", sess.DeviceID(), "panic", rec)
			h.registry.DisconnectSession(ctx, sess, sessions.CloseInternal, "internal server error")
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				ilog.EventWarn(ctx, "websocket_read_error", "deviceId", sess.DeviceID(), "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		res := h.router.Handle(ctx, sess.DeviceID(), data)
		if res.Reply != nil {
			h.registry.Send(ctx, sess.DeviceID(), res.Reply)
		}
		if res.Terminate {
			h.registry.DisconnectSession(ctx, sess, res.CloseCode, res.CloseReason)
			return
		}
	}
}
