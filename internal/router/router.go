package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/membership"
	"github.com/secretmessenger/realtime/internal/registry"
)

// Errors returned by Route.
var (
	// ErrLookupTimeout wraps membership.ErrLookupTimeout; the failure
	// is scoped to the one event being routed.
	ErrLookupTimeout = membership.ErrLookupTimeout

	// ErrNotMember reports a sender routing into a conversation they do
	// not belong to.
	ErrNotMember = errors.New("sender is not a conversation member")

	// ErrUnroutable reports an event kind the router does not accept.
	ErrUnroutable = errors.New("unroutable event kind")
)

// MembershipLookup resolves conversation members.
type MembershipLookup interface {
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
}

// Persister receives every accepted durable event. Save must not block.
type Persister interface {
	Save(ev event.Event)
}

// Receipt describes the outcome of routing one event.
type Receipt struct {
	Seq        int64 // 0 for ephemeral kinds
	Targets    int   // connections considered for delivery
	Delivered  int   // events admitted to an outbox
	Overflowed int   // connections closed for overflow
}

// Config holds router settings.
type Config struct {
	// SequencerIdleReclaim is how long a conversation's sequencer entry
	// may sit unused before its memory is reclaimed. The last assigned
	// sequence survives reclaim; numbers are never reused.
	SequencerIdleReclaim time.Duration

	Clock func() time.Time // injectable for tests; nil = time.Now
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SequencerIdleReclaim: 10 * time.Minute,
	}
}

func (c *Config) norm() {
	if c.SequencerIdleReclaim <= 0 {
		c.SequencerIdleReclaim = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Stats contains router statistics.
type Stats struct {
	Routed       int64
	Delivered    int64
	LookupErrors int64
	Overflows    int64
	Sequencers   int
}

// sequencer serializes sequence assignment and fan-out for one
// conversation.
type sequencer struct {
	mu      sync.Mutex
	seq     int64
	lastUse time.Time
}

// Router fans events out to live connections.
type Router struct {
	cfg    Config
	logger *slog.Logger

	reg        *registry.Registry
	membership MembershipLookup
	store      Persister

	// seqMu guards the sequencer map and the floor map, never held
	// across fan-out.
	seqMu      sync.Mutex
	sequencers map[string]*sequencer
	seqFloor   map[string]int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a router.
func New(cfg Config, reg *registry.Registry, lookup MembershipLookup, store Persister, logger *slog.Logger) *Router {
	cfg.norm()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		logger:     logger,
		reg:        reg,
		membership: lookup,
		store:      store,
		sequencers: make(map[string]*sequencer),
		seqFloor:   make(map[string]int64),
	}
}

// Start launches the sequencer reclaim loop.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.reclaimLoop()

	r.logger.Info("router started",
		"sequencer_idle_reclaim", r.cfg.SequencerIdleReclaim,
	)
	return nil
}

// Stop shuts down the reclaim loop.
func (r *Router) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router stopped")
	case <-ctx.Done():
		r.logger.Warn("router stop timed out")
	}
	return nil
}

// Route fans one event out to its live recipients.
//
// Durable kinds are sequenced and persisted; their recipients are the
// conversation's members' live connections, whether or not those
// connections subscribed. Ephemeral kinds go to the conversation's
// subscribed connections only, and typing and read receipts skip the
// sender's own connections.
func (r *Router) Route(ctx context.Context, ev event.Event) (Receipt, error) {
	if ev.Conversation == "" {
		return Receipt{}, fmt.Errorf("%w: missing conversation", ErrUnroutable)
	}

	switch {
	case ev.Kind.Durable():
		return r.routeDurable(ctx, ev)
	case ev.Kind == event.KindTyping, ev.Kind == event.KindRead,
		ev.Kind == event.KindPresence, ev.Kind == event.KindError:
		return r.routeEphemeral(ev)
	default:
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnroutable, ev.Kind)
	}
}

// routeDurable sequences, fans out, and persists a message or reaction.
func (r *Router) routeDurable(ctx context.Context, ev event.Event) (Receipt, error) {
	members, err := r.membership.MembersOf(ctx, ev.Conversation)
	if err != nil {
		r.statsMu.Lock()
		r.stats.LookupErrors++
		r.statsMu.Unlock()
		return Receipt{}, err
	}

	if ev.From != "" && !contains(members, ev.From) {
		return Receipt{}, fmt.Errorf("%w: %s in %s", ErrNotMember, ev.From, ev.Conversation)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.cfg.Clock()
	}

	seq := r.sequencerFor(ev.Conversation)

	// The sequencer lock covers assignment and every enqueue, so two
	// events for one conversation reach every shared recipient outbox
	// in sequence order.
	seq.mu.Lock()
	seq.seq++
	ev.Seq = seq.seq

	receipt := Receipt{Seq: ev.Seq}
	var overflowed []string
	for _, userID := range members {
		for _, conn := range r.reg.ConnectionsFor(userID) {
			receipt.Targets++
			switch err := conn.Enqueue(ev); {
			case err == nil:
				receipt.Delivered++
			case errors.Is(err, registry.ErrOverflow):
				receipt.Overflowed++
				overflowed = append(overflowed, conn.ID)
			}
		}
	}
	seq.mu.Unlock()

	// Offline members are fine: the event is accepted and persisted,
	// catch-up happens through history, not through this core.
	r.store.Save(ev)

	for _, connID := range overflowed {
		r.logger.Warn("closing overflowed connection",
			"conn_id", connID, "conversation", ev.Conversation)
		r.reg.Unregister(connID)
	}

	r.statsMu.Lock()
	r.stats.Routed++
	r.stats.Delivered += int64(receipt.Delivered)
	r.stats.Overflows += int64(receipt.Overflowed)
	r.statsMu.Unlock()

	return receipt, nil
}

// routeEphemeral fans a transient event out to subscribed connections.
func (r *Router) routeEphemeral(ev event.Event) (Receipt, error) {
	excludeSender := ev.Kind == event.KindTyping || ev.Kind == event.KindRead

	var receipt Receipt
	for _, conn := range r.reg.SubscribersOf(ev.Conversation) {
		if excludeSender && ev.From != "" && conn.UserID == ev.From {
			continue
		}
		receipt.Targets++
		if err := conn.Enqueue(ev); err == nil {
			receipt.Delivered++
		}
	}

	r.statsMu.Lock()
	r.stats.Routed++
	r.stats.Delivered += int64(receipt.Delivered)
	r.statsMu.Unlock()

	return receipt, nil
}

// sequencerFor returns the conversation's sequencer, creating it from
// the floor value if it was reclaimed.
func (r *Router) sequencerFor(conversationID string) *sequencer {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	s, ok := r.sequencers[conversationID]
	if !ok {
		s = &sequencer{seq: r.seqFloor[conversationID]}
		r.sequencers[conversationID] = s
	}
	s.lastUse = r.cfg.Clock()
	return s
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	stats := r.stats
	r.statsMu.Unlock()

	r.seqMu.Lock()
	stats.Sequencers = len(r.sequencers)
	r.seqMu.Unlock()
	return stats
}

// reclaimLoop periodically drops idle sequencer entries, preserving
// their last sequence in the floor map.
func (r *Router) reclaimLoop() {
	defer r.wg.Done()

	interval := r.cfg.SequencerIdleReclaim / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reclaimIdle()
		}
	}
}

func (r *Router) reclaimIdle() {
	now := r.cfg.Clock()

	r.seqMu.Lock()
	reclaimed := 0
	for convID, s := range r.sequencers {
		if now.Sub(s.lastUse) < r.cfg.SequencerIdleReclaim {
			continue
		}
		// TryLock skips entries mid-fan-out; they are not idle.
		if !s.mu.TryLock() {
			continue
		}
		r.seqFloor[convID] = s.seq
		s.mu.Unlock()
		delete(r.sequencers, convID)
		reclaimed++
	}
	r.seqMu.Unlock()

	if reclaimed > 0 {
		r.logger.Debug("reclaimed idle sequencers", "count", reclaimed)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
