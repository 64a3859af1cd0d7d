package realtime

import (
	"sync"

	v1 "aegis/shared/contracts/realtime/v1"
)

// Client represents one admitted websocket connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent notifiers.
// - done is used to signal goroutines to stop.
// - Close and Supersede are idempotent.
type Client struct {
	ConnID string
	UserID string
	Send   chan v1.Envelope

	done       chan struct{}
	superseded chan struct{}

	closeOnce     sync.Once
	supersedeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:     connID,
		UserID:     userID,
		Send:       make(chan v1.Envelope, sendQueueSize),
		done:       make(chan struct{}),
		superseded: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Superseded returns a channel that is closed when a newer connection
// displaced this one. The connection's own gateway loop observes it and
// closes the socket with the superseded close code.
func (c *Client) Superseded() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.superseded
}

// Supersede marks the client as displaced (idempotent). The superseded
// notice should already be queued on Send before calling this.
func (c *Client) Supersede() {
	if c == nil {
		return
	}
	c.supersedeOnce.Do(func() {
		close(c.superseded)
	})
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep notification delivery safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
