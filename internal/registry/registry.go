package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeType identifies a registry change event.
type ChangeType string

const (
	ChangeRegistered   ChangeType = "registered"
	ChangeUnregistered ChangeType = "unregistered"
	ChangeSubscribed   ChangeType = "subscribed"
	ChangeUnsubscribed ChangeType = "unsubscribed"
)

// ConnChange describes one registry mutation. Changes are emitted in
// the exact order the mutations took effect, so consumers can derive
// presence without re-reading the registry.
type ConnChange struct {
	Type   ChangeType
	ConnID string
	UserID string

	// Conversation is set for subscribe/unsubscribe changes.
	Conversation string

	// ActiveConns is the user's connection count after the change.
	ActiveConns int

	// Conversations is the connection's subscription snapshot, set on
	// unregister so presence can notify the affected conversations.
	Conversations []string

	At time.Time
}

// Config holds registry settings.
type Config struct {
	OutboxCapacity int              // per-connection outbound queue size
	EventBacklog   int              // change stream buffer
	Clock          func() time.Time // injectable for tests; nil = time.Now
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutboxCapacity: 256,
		EventBacklog:   1024,
	}
}

func (c *Config) norm() {
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = 256
	}
	if c.EventBacklog <= 0 {
		c.EventBacklog = 1024
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ErrRegistryClosed is returned by Register after Close.
var ErrRegistryClosed = errors.New("registry closed")

// ErrUnknownConn is returned by Subscribe for a missing connection.
var ErrUnknownConn = errors.New("unknown connection")

// Registry tracks live connections and their subscriptions.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	byConn map[string]*Conn
	byUser map[string]map[string]*Conn
	byConv map[string]map[string]*Conn
	closed bool

	// Changes are queued under emitMu and delivered by a dedicated
	// dispatcher goroutine. The channel send happens with no registry
	// lock held, so a slow consumer can read registry state (and even
	// mutate it) without wedging mutators behind a full channel.
	emitMu     sync.Mutex
	emitCond   *sync.Cond
	pending    []ConnChange
	emitClosed bool

	events chan ConnChange
}

// Stats contains registry statistics.
type Stats struct {
	Connections   int
	Users         int
	Conversations int
}

// New creates a registry.
func New(cfg Config) *Registry {
	cfg.norm()
	r := &Registry{
		cfg:    cfg,
		byConn: make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		byConv: make(map[string]map[string]*Conn),
		events: make(chan ConnChange, cfg.EventBacklog),
	}
	r.emitCond = sync.NewCond(&r.emitMu)
	go r.dispatchLoop()
	return r
}

// Events returns the ordered change stream. A consumer that falls
// behind delays change delivery but never blocks registry mutations;
// it is free to call back into the registry while handling a change.
func (r *Registry) Events() <-chan ConnChange {
	return r.events
}

// Register creates a connection for the user and returns it.
func (r *Registry) Register(userID string) (*Conn, error) {
	now := r.cfg.Clock()
	conn := &Conn{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		lastActivity: now,
		state:        StateActive,
		subs:         make(map[string]struct{}),
		outbox:       NewOutbox(r.cfg.OutboxCapacity),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.byConn[conn.ID] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][conn.ID] = conn
	active := len(r.byUser[userID])

	r.emit(ConnChange{
		Type:        ChangeRegistered,
		ConnID:      conn.ID,
		UserID:      userID,
		ActiveConns: active,
		At:          now,
	})

	return conn, nil
}

// Unregister removes a connection and closes it. Calling it with an
// unknown or already-removed id is a no-op; concurrent close paths are
// expected to race here.
func (r *Registry) Unregister(connID string) {
	now := r.cfg.Clock()

	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)

	conn.mu.Lock()
	convs := conn.subscriptionsLocked()
	conn.mu.Unlock()

	for _, convID := range convs {
		if subs := r.byConv[convID]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.byConv, convID)
			}
		}
	}

	active := 0
	if conns := r.byUser[conn.UserID]; conns != nil {
		delete(conns, connID)
		active = len(conns)
		if active == 0 {
			delete(r.byUser, conn.UserID)
		}
	}

	r.emit(ConnChange{
		Type:          ChangeUnregistered,
		ConnID:        connID,
		UserID:        conn.UserID,
		ActiveConns:   active,
		Conversations: convs,
		At:            now,
	})

	conn.close()
}

// Subscribe adds the connection to a conversation's fan-out set.
func (r *Registry) Subscribe(connID, conversationID string) error {
	now := r.cfg.Clock()

	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConn
	}

	conn.mu.Lock()
	if _, exists := conn.subs[conversationID]; exists {
		conn.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	conn.subs[conversationID] = struct{}{}
	conn.mu.Unlock()

	if r.byConv[conversationID] == nil {
		r.byConv[conversationID] = make(map[string]*Conn)
	}
	r.byConv[conversationID][connID] = conn

	r.emit(ConnChange{
		Type:         ChangeSubscribed,
		ConnID:       connID,
		UserID:       conn.UserID,
		Conversation: conversationID,
		ActiveConns:  len(r.byUser[conn.UserID]),
		At:           now,
	})
	return nil
}

// Unsubscribe removes the connection from a conversation. Unknown ids
// are a no-op.
func (r *Registry) Unsubscribe(connID, conversationID string) {
	now := r.cfg.Clock()

	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	conn.mu.Lock()
	_, exists := conn.subs[conversationID]
	delete(conn.subs, conversationID)
	conn.mu.Unlock()

	if !exists {
		r.mu.Unlock()
		return
	}

	if subs := r.byConv[conversationID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.byConv, conversationID)
		}
	}

	r.emit(ConnChange{
		Type:         ChangeUnsubscribed,
		ConnID:       connID,
		UserID:       conn.UserID,
		Conversation: conversationID,
		ActiveConns:  len(r.byUser[conn.UserID]),
		At:           now,
	})
}

// Conn returns the connection with the given id.
func (r *Registry) Conn(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byConn[connID]
	return conn, ok
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// SubscribersOf returns a snapshot of connections subscribed to the
// conversation.
func (r *Registry) SubscribersOf(conversationID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byConv[conversationID]
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user has at least one live connection.
// The answer is consistent with the change stream: a registered
// connection is always reflected here before its change is observable.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ActiveCount returns the user's live connection count.
func (r *Registry) ActiveCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:   len(r.byConn),
		Users:         len(r.byUser),
		Conversations: len(r.byConv),
	}
}

// Close closes every connection and the change stream.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	r.byConn = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.byConv = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	r.emitMu.Lock()
	r.emitClosed = true
	r.emitCond.Signal()
	r.emitMu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// emit queues a change for the dispatcher. Called with mu held, which
// it releases: queueing happens before mu is dropped, so a later
// mutation cannot have its change ordered ahead of this one. The queue
// append never blocks, so mutators never wait on the consumer.
func (r *Registry) emit(ch ConnChange) {
	r.emitMu.Lock()
	r.pending = append(r.pending, ch)
	r.mu.Unlock()
	r.emitCond.Signal()
	r.emitMu.Unlock()
}

// dispatchLoop delivers queued changes to the events channel in order.
// The send happens with no registry lock held; after Close it drains
// what remains and closes the channel.
func (r *Registry) dispatchLoop() {
	for {
		r.emitMu.Lock()
		for len(r.pending) == 0 && !r.emitClosed {
			r.emitCond.Wait()
		}
		if len(r.pending) == 0 {
			r.emitMu.Unlock()
			close(r.events)
			return
		}
		batch := r.pending
		r.pending = nil
		r.emitMu.Unlock()

		for _, ch := range batch {
			r.events <- ch
		}
	}
}
