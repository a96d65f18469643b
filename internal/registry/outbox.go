package registry

import (
	"errors"
	"sync"

	"github.com/secretmessenger/realtime/internal/event"
)

// Errors returned by Outbox operations.
var (
	ErrOverflow = errors.New("outbox full of undroppable events")
	ErrClosed   = errors.New("outbox closed")
)

// Outbox is a connection's bounded outbound queue.
//
// When the queue is full, Push makes room for a durable event by
// evicting the oldest droppable event (typing first, then read
// receipts, then presence). A durable event is never dropped silently:
// if nothing can be evicted, Push fails with ErrOverflow and the
// connection is expected to be closed.
type Outbox struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []event.Event
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	pushed  int64
	popped  int64
	evicted int64
}

// OutboxStats contains queue statistics.
type OutboxStats struct {
	Len      int
	Capacity int
	Pushed   int64
	Popped   int64
	Evicted  int64
}

// NewOutbox creates a queue with the given capacity.
func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	b := &Outbox{
		buf:      make([]event.Event, capacity),
		capacity: capacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push enqueues an event, applying the eviction policy when full.
//
// Returns nil when the event was admitted (possibly after evicting a
// droppable event) or when the event itself was droppable and lost the
// priority comparison. Returns ErrOverflow when a durable event cannot
// be admitted.
func (b *Outbox) Push(ev event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.count == b.capacity {
		idx, prio, found := b.evictionCandidateLocked()

		if ev.Kind.Durable() {
			if !found {
				return ErrOverflow
			}
			b.removeAtLocked(idx)
			b.evicted++
		} else {
			// Incoming droppable event: evict a buffered event only if
			// it is at most as important, otherwise drop the newcomer.
			if !found || prio > ev.Kind.DropPriority() {
				b.evicted++
				return nil
			}
			b.removeAtLocked(idx)
			b.evicted++
		}
	}

	b.buf[b.tail] = ev
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.pushed++

	b.cond.Signal()
	return nil
}

// Pop removes and returns the oldest event, blocking until one is
// available or the outbox is closed. Returns false once closed and
// drained.
func (b *Outbox) Pop() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		return event.Event{}, false
	}
	return b.popLocked(), true
}

// TryPop removes and returns the oldest event without blocking.
func (b *Outbox) TryPop() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return event.Event{}, false
	}
	return b.popLocked(), true
}

// Close closes the outbox and wakes any blocked Pop. Pending events
// remain readable until drained.
func (b *Outbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued events.
func (b *Outbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns queue statistics.
func (b *Outbox) Stats() OutboxStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return OutboxStats{
		Len:      b.count,
		Capacity: b.capacity,
		Pushed:   b.pushed,
		Popped:   b.popped,
		Evicted:  b.evicted,
	}
}

// popLocked removes the head event. Caller holds the lock.
func (b *Outbox) popLocked() event.Event {
	ev := b.buf[b.head]
	b.buf[b.head] = event.Event{} // release payload for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.popped++
	return ev
}

// evictionCandidateLocked finds the oldest droppable event with the
// lowest drop priority. Caller holds the lock.
func (b *Outbox) evictionCandidateLocked() (idx, prio int, found bool) {
	for i := 0; i < b.count; i++ {
		pos := (b.head + i) % b.capacity
		p := b.buf[pos].Kind.DropPriority()
		if p < 0 {
			continue
		}
		if !found || p < prio {
			idx, prio, found = i, p, true
		}
	}
	return idx, prio, found
}

// removeAtLocked removes the event at logical index i (0 = head),
// shifting later events back one slot. Caller holds the lock.
func (b *Outbox) removeAtLocked(i int) {
	for j := i; j < b.count-1; j++ {
		cur := (b.head + j) % b.capacity
		next := (b.head + j + 1) % b.capacity
		b.buf[cur] = b.buf[next]
	}
	b.tail = (b.tail - 1 + b.capacity) % b.capacity
	b.buf[b.tail] = event.Event{}
	b.count--
}
