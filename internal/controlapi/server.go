package controlapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"drifthub/internal/dispatch"
	"drifthub/internal/protocol"
	"drifthub/internal/sessions"
	"drifthub/internal/uploader"
)

// Server is the cloud-facing HTTP surface: control-command ingress,
// device monitoring, room broadcast, and the screenshot relay.
type Server struct {
	registry *sessions.Registry
	dispatch *dispatch.Router
	uploads  *uploader.Client
	router   *echo.Echo
}

func NewServer(registry *sessions.Registry, router *dispatch.Router, uploads *uploader.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		registry: registry,
		dispatch: router,
		uploads:  uploads,
		router:   e,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/api/v1/devices", s.handleListDevices)
	e.GET("/api/v1/devices/:deviceId", s.handleGetDevice)
	e.POST("/api/v1/cloud-control", s.handleCloudControl)
	e.POST("/api/v1/rooms/:roomId/broadcast", s.handleBroadcast)
	e.POST("/api/v1/screenshot", s.handleScreenshot)

	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.router.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.router.Shutdown(ctx)
}

func (s *Server) handleListDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) handleGetDevice(c echo.Context) error {
	deviceID := c.Param("deviceId")
	sess, ok := s.registry.Get(deviceID)
	if !ok {
		return respondError(c, http.StatusNotFound, "device_not_connected", "device is not connected")
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// handleCloudControl forwards a full control envelope to the addressed
// device verbatim. The request body, not a re-serialization, is what
// the device receives.
func (s *Server) handleCloudControl(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request", "unreadable request body")
	}

	env, err := s.dispatch.Inject(c.Request().Context(), body)
	if err != nil {
		var vErr *protocol.ValidationError
		switch {
		case errors.Is(err, sessions.ErrUnknownSession):
			return respondError(c, http.StatusNotFound, "device_not_connected", err.Error())
		case errors.Is(err, sessions.ErrTransportFailed):
			return respondError(c, http.StatusBadGateway, "device_unreachable", err.Error())
		case errors.Is(err, protocol.ErrMalformedPayload),
			errors.Is(err, dispatch.ErrNotControl),
			errors.As(err, &vErr):
			return respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			return respondError(c, http.StatusInternalServerError, "control_failed", err.Error())
		}
	}
	return c.JSON(http.StatusOK, env)
}

func (s *Server) handleBroadcast(c echo.Context) error {
	roomID := c.Param("roomId")
	var env protocol.Envelope
	if err := c.Bind(&env); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request", "invalid envelope body")
	}
	if env.Type != protocol.TypeControl {
		return respondError(c, http.StatusBadRequest, "invalid_request", "broadcast requires type control")
	}
	if env.Event == "" {
		return respondError(c, http.StatusBadRequest, "invalid_request", "event is required")
	}

	sent := s.registry.Broadcast(c.Request().Context(), roomID, &env)
	return c.JSON(http.StatusOK, map[string]any{
		"roomId": roomID,
		"sent":   sent,
	})
}

func (s *Server) handleScreenshot(c echo.Context) error {
	var shot protocol.ScreenPayload
	if err := c.Bind(&shot); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_request", "invalid upload body")
	}
	if shot.DeviceID == "" || shot.URL == "" || shot.RoomID == "" || shot.FileBase64 == "" {
		return respondError(c, http.StatusBadRequest, "invalid_request", "missing required screenshot fields")
	}

	result, err := s.uploads.Upload(c.Request().Context(), shot)
	if err != nil {
		return respondError(c, http.StatusBadGateway, "upload_failed", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"code":    0,
		"message": "screenshot uploaded",
		"data":    result,
	})
}

func respondError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]any{
		"code":      -1,
		"error":     code,
		"error_msg": message,
	})
}
