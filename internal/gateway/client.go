package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// client adapts one gorilla connection to the session.Socket contract: a
// buffered write pump plus a close-once latch. A frame sent while the buffer
// is full is dropped (the consumer stays connected) rather than allowed to
// stall the broadcaster.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues one frame for the write pump.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("consumer send buffer full, dropping frame")
		return nil
	}
}

// CloseWith sends a close frame and shuts the connection down.
func (c *client) CloseWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	closeWith(c.conn, code, reason)
	c.conn.Close()
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown closes without a specific code (normal teardown).
func (c *client) shutdown() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// writeLoop drains the send buffer onto the wire.
func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop delivers inbound frames to fn until the connection ends.
func (c *client) readLoop(fn func(data []byte)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		fn(data)
	}
}

// closeWith writes a close control frame, best effort.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
