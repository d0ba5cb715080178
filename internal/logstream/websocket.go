package logstream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebsocketSink writes session lines to a websocket connection.
type WebsocketSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	log    *slog.Logger
	closed bool
}

// NewWebsocketSink wraps conn.
func NewWebsocketSink(conn *websocket.Conn, logger *slog.Logger) *WebsocketSink {
	return &WebsocketSink{conn: conn, log: logger}
}

// Send writes a text frame. gorilla connections allow one writer at a time.
func (c *WebsocketSink) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closed = true
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *WebsocketSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
}

// Pump blocks reading from the connection until the client goes away, then
// disconnects the session. Client frames carry no meaning.
func (g *Gateway) Pump(sessionID string, conn *websocket.Conn) {
	defer g.Disconnect(sessionID)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
