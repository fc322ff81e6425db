package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RanFeng/ilog"

	"drifthub/internal/protocol"
	"drifthub/internal/sessions"
)

var ErrNotControl = errors.New("ingress message must have type control")

// Config carries the values the router needs for URL composition.
type Config struct {
	RtmpHost   string
	RtmpPort   int
	UploadHost string
}

// Router maps (type, event) pairs to handler logic, producing zero or
// one reply per inbound message. Every failing branch still yields a
// well-formed reply echoing deviceId/playId with a non-zero code;
// devices never see internal error types.
type Router struct {
	registry *sessions.Registry
	cfg      Config
}

func NewRouter(registry *sessions.Registry, cfg Config) *Router {
	return &Router{registry: registry, cfg: cfg}
}

// Result is the outcome of dispatching one inbound frame.
type Result struct {
	Reply *protocol.Envelope
	// Terminate asks the caller to tear the session down after the
	// reply has been sent.
	Terminate   bool
	CloseCode   int
	CloseReason string
}

// Handle dispatches one raw inbound frame from deviceID's session.
func (r *Router) Handle(ctx context.Context, deviceID string, raw []byte) Result {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		ilog.EventWarn(ctx, "envelope_rejected", "deviceId", deviceID, "err", err)
		return Result{Reply: failureReply(env, deviceID, err)}
	}

	switch env.Type {
	case protocol.TypeNotify:
		return r.handleNotify(ctx, deviceID, env)
	case protocol.TypeDeviceControl:
		return r.handleDeviceControl(ctx, deviceID, env)
	default:
		ilog.EventWarn(ctx, "unsupported_message_type", "deviceId", deviceID, "type", env.Type)
		return Result{Reply: failureReply(env, deviceID, fmt.Errorf("unsupported message type: %s", env.Type))}
	}
}

// handleNotify covers the device→server notify family. Any notify
// traffic refreshes liveness.
func (r *Router) handleNotify(ctx context.Context, deviceID string, env *protocol.Envelope) Result {
	if err := r.registry.TouchHeartbeat(deviceID); err != nil {
		// Tolerated: a heartbeat for a session already gone is not
		// fatal to the pipeline.
		ilog.EventWarn(ctx, "heartbeat_unknown_session", "deviceId", deviceID)
	}

	switch env.Event {
	case protocol.EventJoin:
		ilog.EventInfo(ctx, "heartbeat", "deviceId", deviceID)
		return Result{}
	case protocol.EventDeviceInfo:
		return r.handleDeviceInfo(ctx, deviceID, env)
	default:
		// Result acknowledgement for an earlier control command.
		if env.Code != 0 {
			ilog.EventWarn(ctx, "control_failed_on_device",
				"deviceId", deviceID, "event", env.Event, "code", env.Code)
		} else {
			ilog.EventInfo(ctx, "control_acknowledged",
				"deviceId", deviceID, "event", env.Event)
		}
		return Result{}
	}
}

func (r *Router) handleDeviceInfo(ctx context.Context, deviceID string, env *protocol.Envelope) Result {
	info, err := protocol.DecodeDeviceInfo(env.Data)
	if err != nil {
		ilog.EventWarn(ctx, "device_info_rejected", "deviceId", deviceID, "err", err)
		return Result{Reply: failureReply(env, deviceID, err)}
	}
	if err := r.registry.UpdateDeviceInfo(deviceID, info); err != nil {
		return Result{Reply: failureReply(env, deviceID, err)}
	}
	ilog.EventInfo(ctx, "device_info_updated", "deviceId", deviceID, "serial", info.No)
	return Result{Reply: &protocol.Envelope{
		Type:     protocol.TypeDeviceNotify,
		Event:    protocol.EventDeviceInfo,
		DeviceID: env.DeviceID,
		PlayID:   env.PlayID,
	}}
}

// handleDeviceControl covers device-initiated requests.
func (r *Router) handleDeviceControl(ctx context.Context, deviceID string, env *protocol.Envelope) Result {
	switch env.Event {
	case protocol.EventGetRtmp:
		return r.handleGetRtmp(ctx, deviceID, env)
	case protocol.EventGetScreen:
		return r.handleGetScreen(ctx, deviceID, env)
	case protocol.EventPowerOff:
		ilog.EventInfo(ctx, "power_off_requested", "deviceId", deviceID)
		return Result{
			Reply: &protocol.Envelope{
				Type:     protocol.TypeDeviceNotify,
				Event:    protocol.EventPowerOff,
				DeviceID: env.DeviceID,
				PlayID:   env.PlayID,
			},
			Terminate:   true,
			CloseCode:   sessions.CloseNormal,
			CloseReason: "power off",
		}
	default:
		ilog.EventWarn(ctx, "unknown_device_control_event", "deviceId", deviceID, "event", env.Event)
		return Result{Reply: failureReply(env, deviceID, fmt.Errorf("unknown event: %s", env.Event))}
	}
}

func (r *Router) handleGetRtmp(ctx context.Context, deviceID string, env *protocol.Envelope) Result {
	s, ok := r.registry.Get(deviceID)
	if !ok {
		return Result{Reply: failureReply(env, deviceID, sessions.ErrUnknownSession)}
	}
	info := s.Info()
	payload := protocol.RtmpPayload{
		RtmpURL:         fmt.Sprintf("rtmp://%s:%d/live/%s", r.cfg.RtmpHost, r.cfg.RtmpPort, deviceID),
		StreamRes:       info.StreamRes,
		StreamBitrate:   info.StreamBitrate,
		StreamFramerate: info.StreamFramerate,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Reply: failureReply(env, deviceID, err)}
	}
	ilog.EventInfo(ctx, "rtmp_url_issued", "deviceId", deviceID, "url", payload.RtmpURL)
	return Result{Reply: &protocol.Envelope{
		Type:     protocol.TypeDeviceNotify,
		Event:    protocol.EventGetRtmp,
		DeviceID: env.DeviceID,
		PlayID:   env.PlayID,
		Data:     data,
	}}
}

func (r *Router) handleGetScreen(ctx context.Context, deviceID string, env *protocol.Envelope) Result {
	s, ok := r.registry.Get(deviceID)
	if !ok {
		return Result{Reply: failureReply(env, deviceID, sessions.ErrUnknownSession)}
	}
	payload := protocol.ScreenPayload{
		DeviceID: env.DeviceID,
		URL:      fmt.Sprintf("https://%s/api/v1/screenshot", r.cfg.UploadHost),
		RoomID:   s.RoomID(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Reply: failureReply(env, deviceID, err)}
	}
	ilog.EventInfo(ctx, "screen_url_issued", "deviceId", deviceID, "url", payload.URL)
	return Result{Reply: &protocol.Envelope{
		Type:     protocol.TypeDeviceNotify,
		Event:    protocol.EventGetScreen,
		DeviceID: env.DeviceID,
		PlayID:   env.PlayID,
		Data:     data,
	}}
}

// Inject forwards a cloud-originated control command to the addressed
// device verbatim, raw bytes and all, so fields the hub does not model
// survive the hop. Returns the parsed envelope for request echoing.
func (r *Router) Inject(ctx context.Context, raw []byte) (*protocol.Envelope, error) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeControl {
		return nil, fmt.Errorf("%w, got %q", ErrNotControl, env.Type)
	}
	if env.DeviceID == "" {
		return nil, &protocol.ValidationError{Field: "deviceId", Reason: "required for control injection"}
	}
	if err := r.registry.Deliver(ctx, env.DeviceID, raw); err != nil {
		// ErrUnknownSession or ErrTransportFailed; callers treat an
		// absent device and a broken write differently.
		return nil, err
	}
	ilog.EventInfo(ctx, "control_injected", "deviceId", env.DeviceID, "event", env.Event)
	return env, nil
}

// failureReply builds the well-formed error envelope every failing
// branch returns. env may be nil when the frame never parsed.
func failureReply(env *protocol.Envelope, deviceID string, err error) *protocol.Envelope {
	reply := &protocol.Envelope{
		Type:     protocol.TypeMessage,
		DeviceID: deviceID,
		Code:     -1,
		ErrorMsg: err.Error(),
	}
	if env != nil {
		reply.Event = env.Event
		if env.DeviceID != "" {
			reply.DeviceID = env.DeviceID
		}
		reply.PlayID = env.PlayID
	}
	return reply
}
