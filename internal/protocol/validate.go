package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DeviceIDLength is the fixed size of a device identifier on the wire.
const DeviceIDLength = 32

// MaxStreamBitrate is the hard ceiling for stream_bitrate (32Mbps).
const MaxStreamBitrate = 4000000

var supportedResolutions = map[string]struct{}{
	"4K":    {},
	"4KUHD": {},
	"2.7K":  {},
	"1080P": {},
	"720P":  {},
	"WVGA":  {},
}

// ErrMalformedPayload marks a frame that is not a usable envelope at
// all: invalid JSON or missing type/event discriminators.
var ErrMalformedPayload = errors.New("malformed payload")

// ValidationError reports a field whose value is outside its allowed
// domain. The envelope itself parsed fine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseEnvelope decodes and validates one inbound frame. On a
// *ValidationError the partially valid envelope is returned alongside
// the error so replies can still echo deviceId/playId.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" || env.Event == "" {
		return nil, fmt.Errorf("%w: missing type or event", ErrMalformedPayload)
	}
	if env.DeviceID != "" && len(env.DeviceID) != DeviceIDLength {
		return &env, &ValidationError{
			Field:  "deviceId",
			Reason: fmt.Sprintf("must be %d characters, got %d", DeviceIDLength, len(env.DeviceID)),
		}
	}
	return &env, nil
}

// DecodeDeviceInfo parses the data section of a device_info report.
func DecodeDeviceInfo(raw json.RawMessage) (DeviceInfo, error) {
	if len(raw) == 0 {
		return DeviceInfo{}, &ValidationError{Field: "data", Reason: "device info must not be empty"}
	}
	var info DeviceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := ValidateDeviceInfo(&info); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// ValidateDeviceInfo checks the reported snapshot against protocol
// limits.
func ValidateDeviceInfo(info *DeviceInfo) error {
	if info.No == "" {
		return &ValidationError{Field: "no", Reason: "device serial is required"}
	}
	if info.StreamRes != "" {
		if _, ok := supportedResolutions[info.StreamRes]; !ok {
			return &ValidationError{
				Field:  "stream_res",
				Reason: fmt.Sprintf("unsupported resolution %q", info.StreamRes),
			}
		}
	}
	if info.StreamBitrate > MaxStreamBitrate {
		return &ValidationError{
			Field:  "stream_bitrate",
			Reason: fmt.Sprintf("must not exceed %d", MaxStreamBitrate),
		}
	}
	return nil
}
