package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/membership"
	"github.com/secretmessenger/realtime/internal/registry"
)

// fakeLookup serves membership from a map.
type fakeLookup struct {
	members map[string][]string
	err     error
}

func (f *fakeLookup) MembersOf(_ context.Context, conversationID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members[conversationID], nil
}

// capturePersister records saved events.
type capturePersister struct {
	mu    sync.Mutex
	saved []event.Event
}

func (c *capturePersister) Save(ev event.Event) {
	c.mu.Lock()
	c.saved = append(c.saved, ev)
	c.mu.Unlock()
}

func (c *capturePersister) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saved)
}

func newTestRouter(lookup MembershipLookup, store Persister) (*Router, *registry.Registry) {
	reg := registry.New(registry.DefaultConfig())
	go func() {
		for range reg.Events() {
		}
	}()
	r := New(DefaultConfig(), reg, lookup, store, nil)
	return r, reg
}

func messageEvent(from, conversation string) event.Event {
	return event.Event{
		Kind:         event.KindMessage,
		From:         from,
		Conversation: conversation,
		Payload:      json.RawMessage(`{"text":"hi"}`),
	}
}

func TestRouter_AcceptsOfflineMembers(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"c": {"u1", "u2"}}}
	store := &capturePersister{}
	r, reg := newTestRouter(lookup, store)
	defer reg.Close()

	// u1 connected and subscribed; u2 is a member but never connects.
	conn, _ := reg.Register("u1")
	reg.Subscribe(conn.ID, "c")

	receipt, err := r.Route(context.Background(), messageEvent("u1", "c"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if receipt.Seq != 1 {
		t.Errorf("Seq = %d, want 1", receipt.Seq)
	}
	// The sender's own connection receives the message; u2 has none.
	if receipt.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", receipt.Delivered)
	}
	if store.count() != 1 {
		t.Errorf("persisted = %d, want 1 even with a member offline", store.count())
	}
}

func TestRouter_SequenceOrderUnderConcurrentProducers(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"c": {"u1", "u2"}}}

	cfg := registry.DefaultConfig()
	cfg.OutboxCapacity = 4096
	reg := registry.New(cfg)
	go func() {
		for range reg.Events() {
		}
	}()
	defer reg.Close()

	r := New(DefaultConfig(), reg, lookup, &capturePersister{}, nil)

	c1, _ := reg.Register("u1")
	c2, _ := reg.Register("u2")
	reg.Subscribe(c1.ID, "c")
	reg.Subscribe(c2.ID, "c")

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := r.Route(context.Background(), messageEvent("u1", "c")); err != nil {
					t.Errorf("Route failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Every recipient must observe strictly ascending sequences.
	for _, conn := range []*registry.Conn{c1, c2} {
		last := int64(0)
		for {
			ev, ok := conn.Outbox().TryPop()
			if !ok {
				break
			}
			if ev.Seq <= last {
				t.Fatalf("out-of-order delivery: seq %d after %d", ev.Seq, last)
			}
			last = ev.Seq
		}
	}
}

func TestRouter_SequenceSurvivesReclaim(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"c": {"u1"}}}
	r, reg := newTestRouter(lookup, &capturePersister{})
	defer reg.Close()

	now := time.Now()
	r.cfg.Clock = func() time.Time { return now }

	receipt, err := r.Route(context.Background(), messageEvent("u1", "c"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if receipt.Seq != 1 {
		t.Fatalf("Seq = %d, want 1", receipt.Seq)
	}

	// Idle past the reclaim window drops the entry but not the floor.
	now = now.Add(r.cfg.SequencerIdleReclaim + time.Minute)
	r.reclaimIdle()
	if got := r.Stats().Sequencers; got != 0 {
		t.Fatalf("Sequencers = %d, want 0 after reclaim", got)
	}

	receipt, err = r.Route(context.Background(), messageEvent("u1", "c"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if receipt.Seq != 2 {
		t.Errorf("Seq = %d after reclaim, want 2 (never reused)", receipt.Seq)
	}
}

func TestRouter_LookupTimeoutScopedToEvent(t *testing.T) {
	lookup := &fakeLookup{err: membership.ErrLookupTimeout}
	r, reg := newTestRouter(lookup, &capturePersister{})
	defer reg.Close()

	_, err := r.Route(context.Background(), messageEvent("u1", "c"))
	if !errors.Is(err, ErrLookupTimeout) {
		t.Fatalf("Route error = %v, want ErrLookupTimeout", err)
	}
	if r.Stats().LookupErrors != 1 {
		t.Errorf("LookupErrors = %d, want 1", r.Stats().LookupErrors)
	}

	// The failure must not poison the conversation.
	lookup.err = nil
	lookup.members = map[string][]string{"c": {"u1"}}
	if _, err := r.Route(context.Background(), messageEvent("u1", "c")); err != nil {
		t.Errorf("Route after recovered lookup failed: %v", err)
	}
}

func TestRouter_RejectsNonMemberSender(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"c": {"u2"}}}
	store := &capturePersister{}
	r, reg := newTestRouter(lookup, store)
	defer reg.Close()

	_, err := r.Route(context.Background(), messageEvent("u1", "c"))
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("Route error = %v, want ErrNotMember", err)
	}
	if store.count() != 0 {
		t.Errorf("persisted = %d, want 0 for rejected event", store.count())
	}
}

func TestRouter_TypingExcludesSender(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"c": {"u1", "u2"}}}
	r, reg := newTestRouter(lookup, &capturePersister{})
	defer reg.Close()

	c1, _ := reg.Register("u1")
	c2, _ := reg.Register("u2")
	reg.Subscribe(c1.ID, "c")
	reg.Subscribe(c2.ID, "c")

	receipt, err := r.Route(context.Background(), event.Event{
		Kind:         event.KindTyping,
		From:         "u1",
		Conversation: "c",
		Payload:      json.RawMessage(`{"isTyping":true}`),
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if receipt.Seq != 0 {
		t.Errorf("Seq = %d, want 0 for ephemeral kind", receipt.Seq)
	}
	if receipt.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1 (sender excluded)", receipt.Delivered)
	}
	if c1.Outbox().Len() != 0 {
		t.Error("sender's own connection received its typing event")
	}
	if c2.Outbox().Len() != 1 {
		t.Error("other member's connection missed the typing event")
	}
}

func TestRouter_OverflowClosesConnection(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"c": {"u1", "u2"}}}
	store := &capturePersister{}

	cfg := registry.DefaultConfig()
	cfg.OutboxCapacity = 2
	reg := registry.New(cfg)
	go func() {
		for range reg.Events() {
		}
	}()
	defer reg.Close()

	r := New(DefaultConfig(), reg, lookup, store, nil)

	c1, _ := reg.Register("u1")
	c2, _ := reg.Register("u2")
	reg.Subscribe(c1.ID, "c")
	reg.Subscribe(c2.ID, "c")

	// Three undroppable events against capacity two: the third
	// overflows u2's outbox and the router closes it.
	for i := 0; i < 3; i++ {
		if _, err := r.Route(context.Background(), messageEvent("u1", "c")); err != nil {
			t.Fatalf("Route failed: %v", err)
		}
	}

	if _, ok := reg.Conn(c2.ID); ok {
		t.Error("overflowed connection still registered")
	}
	if r.Stats().Overflows < 1 {
		t.Errorf("Overflows = %d, want >= 1", r.Stats().Overflows)
	}
	// All three events were accepted and persisted regardless.
	if store.count() != 3 {
		t.Errorf("persisted = %d, want 3", store.count())
	}
}
