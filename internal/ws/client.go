package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dockerflow/gateway/internal/model"
)

// sendBuffer is the number of frames queued ahead of the write pump.
const sendBuffer = 64

// Client represents a WebSocket client connection.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// SessionID returns the attached session, or "" before the handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Send queues a message, waiting for room in the queue. It fails once the
// client is closed or ctx is done.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	if c.IsClosed() {
		return model.ErrTransportClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return model.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the client. The write pump sends a close frame and
// releases the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
