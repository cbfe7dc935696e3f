package ws

import (
	"net"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const defaultDeliveryTimeout = 5 * time.Second

// Client represents a websocket client connection. Writes are serialized and
// bounded by a per-delivery deadline so one slow peer never wedges a
// broadcast.
type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Client{conn: conn, timeout: timeout, log: logger}
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closed = true
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
