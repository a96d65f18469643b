package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/secretmessenger/realtime/internal/event"
)

// ConnState is the liveness state of a connection.
type ConnState string

const (
	StateActive   ConnState = "active"
	StateDraining ConnState = "draining"
	StateClosed   ConnState = "closed"
)

// ErrConnClosed is returned when enqueueing to a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is a live connection owned by the registry. The gateway holds a
// reference only for the duration of its read and write loops.
type Conn struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	outbox *Outbox

	mu           sync.Mutex
	state        ConnState
	lastActivity time.Time
	subs         map[string]struct{}
}

// State returns the current liveness state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outbox returns the connection's outbound queue.
func (c *Conn) Outbox() *Outbox {
	return c.outbox
}

// Touch records inbound activity on the connection.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the last inbound activity timestamp.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Subscriptions returns a snapshot of subscribed conversation ids.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Conn) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Subscribed reports whether the connection is subscribed to the
// conversation.
func (c *Conn) Subscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

// Enqueue pushes an event onto the outbound queue. When a durable
// event cannot be admitted the connection transitions to DRAINING and
// ErrOverflow is returned; the caller is expected to force-close it.
func (c *Conn) Enqueue(ev event.Event) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()

	err := c.outbox.Push(ev)
	if errors.Is(err, ErrOverflow) {
		c.markDraining()
	}
	return err
}

// markDraining moves ACTIVE to DRAINING. Other states are unchanged:
// CLOSED is terminal and DRAINING is idempotent.
func (c *Conn) markDraining() {
	c.mu.Lock()
	if c.state == StateActive {
		c.state = StateDraining
	}
	c.mu.Unlock()
}

// close transitions to CLOSED and closes the outbox. Idempotent.
func (c *Conn) close() {
	c.mu.Lock()
	already := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()

	if !already {
		c.outbox.Close()
	}
}
