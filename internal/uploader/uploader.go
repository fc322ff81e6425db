package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RanFeng/ilog"

	"drifthub/internal/protocol"
)

// Client forwards device screenshots to the upload endpoint the device
// was handed in its get_screen reply.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Upload validates the payload and POSTs it to the target URL. The
// remote response body is returned raw on success.
func (c *Client) Upload(ctx context.Context, shot protocol.ScreenPayload) (json.RawMessage, error) {
	if shot.DeviceID == "" || shot.URL == "" || shot.RoomID == "" || shot.FileBase64 == "" {
		return nil, fmt.Errorf("screenshot upload missing required fields")
	}
	if shot.ScreenName == "" {
		shot.ScreenName = fmt.Sprintf("screenshot_%s_%s.jpg",
			shot.DeviceID, time.Now().Format("20060102_150405"))
	}

	body, err := json.Marshal(shot)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, shot.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading screenshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("upload failed: %d - %s", resp.StatusCode, text)
	}
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	ilog.EventInfo(ctx, "screenshot_uploaded", "screenName", shot.ScreenName, "deviceId", shot.DeviceID)
	return result, nil
}
