package gateway

import (
	"time"

	"github.com/hertz-contrib/websocket"
)

// wsConn is the slice of the websocket connection the gateway touches.
// *websocket.Conn satisfies it; tests plug in scripted fakes.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// hertzConn adapts a websocket connection onto sessions.Conn. Write
// serialization is the session's job; this type only translates calls.
type hertzConn struct {
	conn wsConn
}

func (c *hertzConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *hertzConn) CloseWithStatus(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	// Best effort: the peer may already be gone when the close frame
	// goes out.
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}
