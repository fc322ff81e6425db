package protocol

import (
	"encoding/json"
)

// Message types. Direction is fixed per type: notify and device_control
// flow device→server, the rest flow server→device.
const (
	TypeNotify        = "notify"
	TypeDeviceControl = "device_control"
	TypeControl       = "control"
	TypeDeviceNotify  = "device_notify"
	TypeMessage       = "message"
)

// Device-originated events.
const (
	EventJoin       = "join"
	EventDeviceJoin = "device_join"
	EventDeviceInfo = "device_info"
	EventPowerOff   = "power_off"
	EventGetRtmp    = "get_rtmp"
	EventGetScreen  = "get_screen"
)

// Cloud-originated control events, forwarded verbatim to devices.
const (
	EventStartRtmp       = "start_rtmp"
	EventStopRtmp        = "stop_rtmp"
	EventStartRtsp       = "start_rtsp"
	EventStopRtsp        = "stop_rtsp"
	EventStartRecord     = "start_record"
	EventStopRecord      = "stop_record"
	EventDzoom           = "dzoom"
	EventStreamRes       = "stream_res"
	EventStreamBitrate   = "stream_bitrate"
	EventStreamFramerate = "stream_framerate"
	EventLed             = "led"
	EventExposure        = "exposure"
	EventFilter          = "filter"
	EventMicSensitivity  = "mic_sensitivity"
	EventFov             = "fov"
	EventScreen          = "screen"
)

// Envelope is the wire unit exchanged in both directions. Data stays raw
// so server→device pass-through preserves fields the hub does not model.
type Envelope struct {
	Type     string          `json:"type"`
	Event    string          `json:"event"`
	DeviceID string          `json:"deviceId,omitempty"`
	PlayID   string          `json:"playId,omitempty"`
	Code     int             `json:"code"`
	ErrorMsg string          `json:"error_msg,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// DeviceInfo is the device's self-reported configuration snapshot,
// replaced wholesale on each device_info report.
type DeviceInfo struct {
	No              string `json:"no"`
	Dzoom           int    `json:"dzoom"`
	Rtmp            string `json:"rtmp"`
	RtmpURL         string `json:"rtmp_url"`
	Rtsp            string `json:"rtsp"`
	RtspURL         string `json:"rtsp_url"`
	Record          string `json:"record"`
	StreamRes       string `json:"stream_res"`
	StreamBitrate   int    `json:"stream_bitrate"`
	StreamFramerate int    `json:"stream_framerate"`
	Led             int    `json:"led"`
	Exposure        int    `json:"exposure"`
	Filter          int    `json:"filter"`
	MicSensitivity  int    `json:"mic_sensitivity"`
	Fov             int    `json:"fov"`
}

// DefaultDeviceInfo returns the snapshot assumed for a device that has
// not reported yet.
func DefaultDeviceInfo(serial string) DeviceInfo {
	return DeviceInfo{
		No:              serial,
		Dzoom:           1,
		Rtmp:            "stop",
		Rtsp:            "stop",
		Record:          "stop",
		StreamRes:       "720P",
		StreamBitrate:   2000000,
		StreamFramerate: 30,
		Exposure:        1,
		MicSensitivity:  3,
		Fov:             140,
	}
}

// RtmpPayload is the data section of a get_rtmp reply.
type RtmpPayload struct {
	RtmpURL         string `json:"rtmp_url"`
	StreamRes       string `json:"stream_res"`
	StreamBitrate   int    `json:"stream_bitrate"`
	StreamFramerate int    `json:"stream_framerate"`
}

// ScreenPayload is the data section of a get_screen reply, and the body
// shape of a screenshot upload.
type ScreenPayload struct {
	ScreenName string `json:"screenName"`
	DeviceID   string `json:"deviceId"`
	URL        string `json:"url"`
	RoomID     string `json:"roomId"`
	FileBase64 string `json:"fileBase64"`
}
