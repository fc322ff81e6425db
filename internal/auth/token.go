package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenType = "device"

// DeviceClaims binds a token to one device connection.
type DeviceClaims struct {
	jwt.RegisteredClaims
	DeviceID     string `json:"device_id"`
	DeviceSerial string `json:"device_sn"`
	RoomID       string `json:"room_id"`
	TokenType    string `json:"type"`
}

// Verifier checks device tokens before a connection is admitted. When
// disabled it allows every connection; that state is an explicit
// configuration choice and is logged loudly on every use.
type Verifier struct {
	secret  string
	enabled bool
}

func NewVerifier(secret string, enabled bool) *Verifier {
	return &Verifier{secret: secret, enabled: enabled}
}

// Verify reports whether token authorizes the given connection tuple.
func (v *Verifier) Verify(ctx context.Context, token, deviceID, deviceSerial, roomID string) bool {
	if !v.enabled {
		ilog.EventWarn(ctx, "device_auth_disabled_allowing_connection",
			"deviceId", deviceID, "roomId", roomID)
		return true
	}
	if token == "" {
		ilog.EventWarn(ctx, "device_token_missing", "deviceId", deviceID)
		return false
	}

	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			ilog.EventWarn(ctx, "device_token_expired", "deviceId", deviceID)
		} else {
			ilog.EventWarn(ctx, "device_token_invalid", "deviceId", deviceID, "err", err)
		}
		return false
	}
	if !parsed.Valid {
		return false
	}
	if claims.TokenType != tokenType ||
		claims.DeviceID != deviceID ||
		claims.DeviceSerial != deviceSerial ||
		claims.RoomID != roomID {
		ilog.EventWarn(ctx, "device_token_claims_mismatch", "deviceId", deviceID)
		return false
	}
	return true
}

// GenerateDeviceToken mints a signed HS256 token for a device
// connection tuple.
func GenerateDeviceToken(secret, deviceID, deviceSerial, roomID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		DeviceID:     deviceID,
		DeviceSerial: deviceSerial,
		RoomID:       roomID,
		TokenType:    tokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing device token: %w", err)
	}
	return signed, nil
}
