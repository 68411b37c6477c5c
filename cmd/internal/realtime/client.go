package realtime

import (
	"sync"
	"sync/atomic"
)

// Client represents one websocket connection.
//
// Design notes:
// - The send queue is never closed by the server, so concurrent broadcasters cannot panic.
// - done signals the connection goroutines to stop; Close is idempotent.
type Client struct {
	ID string

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:   id,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
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

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// Frames is the queue drained by the connection writer.
func (c *Client) Frames() <-chan []byte { return c.send }

// Dropped counts frames discarded because the queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// enqueue never blocks. It reports false when the client is closing or its queue is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}
