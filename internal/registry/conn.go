package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/thenoetrevino/boardsync/internal/events"
)

// Conn is one authenticated client connection. The registry owns it; the
// session reads Outbound and writes frames to the socket.
type Conn struct {
	ID     string
	UserID string

	send      chan events.Message
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex // protects everything below
	closed   bool
	closer   func() error
	rooms    map[string]struct{}
	sent     map[string]int64 // highest sequence handed over, per project
	lastSeen time.Time
}

func newConn(id, userID string, buffer int, now time.Time) *Conn {
	return &Conn{
		ID:       id,
		UserID:   userID,
		send:     make(chan events.Message, buffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
		sent:     make(map[string]int64),
		lastSeen: now,
	}
}

// Outbound is the queue of frames waiting to be written
func (c *Conn) Outbound() <-chan events.Message { return c.send }

// Done is closed when the connection is removed
func (c *Conn) Done() <-chan struct{} { return c.done }

// OnClose registers a function run once when the connection is removed,
// typically closing the socket.
func (c *Conn) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closer = fn
}

// Touch records inbound activity
func (c *Conn) Touch(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.lastSeen) {
		c.lastSeen = t
	}
}

// LastSeen returns the time of the last inbound frame
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// InRoom reports whether the connection joined the project
func (c *Conn) InRoom(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[projectID]
	return ok
}

// Rooms returns the projects the connection joined
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Closed reports whether the connection was removed
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Watermark returns the highest sequence handed to this connection for a
// project
func (c *Conn) Watermark(projectID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[projectID]
}

// enqueue adds msg without blocking. It returns false when the connection
// is closed or its queue is full.
func (c *Conn) enqueue(msg events.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(msg)
}

func (c *Conn) enqueueLocked(msg events.Message) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// deliver enqueues an event unless the connection already has it
func (c *Conn) deliver(ev events.Event, msg events.Message) (sent, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Sequence <= c.sent[ev.ProjectID] {
		return false, true
	}
	if !c.enqueueLocked(msg) {
		return false, false
	}
	c.sent[ev.ProjectID] = ev.Sequence
	return true, true
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		closer := c.closer
		c.mu.Unlock()

		close(c.done)
		if closer != nil {
			_ = closer()
		}
	})
}
