package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/registry"
)

// fakeTimer is a manually fired Timer so debounce and TTL behavior can
// be tested without real sleeps.
type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	resets  int
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	armed := !f.stopped
	f.stopped = true
	return armed
}

func (f *fakeTimer) Reset(time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	armed := !f.stopped
	f.stopped = false
	return armed
}

// fire runs the callback unless the timer was stopped, like an expiring
// time.AfterFunc.
func (f *fakeTimer) fire() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	fn := f.fn
	f.mu.Unlock()
	fn()
}

// harness wires a real registry to a tracker, collects emissions, and
// hands out the timers the tracker schedules.
type harness struct {
	reg     *registry.Registry
	tracker *Tracker
	emitted chan event.Event
	timers  chan *fakeTimer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New(registry.DefaultConfig())
	emitted := make(chan event.Event, 64)
	timers := make(chan *fakeTimer, 16)

	cfg := DefaultConfig()
	cfg.NewTimer = func(_ time.Duration, fn func()) Timer {
		tm := &fakeTimer{fn: fn}
		timers <- tm
		return tm
	}

	tracker := NewTracker(cfg, reg.Events(), func(ev event.Event) {
		emitted <- ev
	}, nil)

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tracker.Stop(ctx)
		reg.Close()
	})

	return &harness{reg: reg, tracker: tracker, emitted: emitted, timers: timers}
}

func (h *harness) next(t *testing.T, timeout time.Duration) (event.Event, bool) {
	t.Helper()
	select {
	case ev := <-h.emitted:
		return ev, true
	case <-time.After(timeout):
		return event.Event{}, false
	}
}

// nextTimer waits for the tracker to schedule a timer.
func (h *harness) nextTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-h.timers:
		return tm
	case <-time.After(time.Second):
		t.Fatal("no timer scheduled")
		return nil
	}
}

func presenceStatus(t *testing.T, ev event.Event) (user, status string) {
	t.Helper()
	var p struct {
		UserID string `json:"userId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	return p.UserID, p.Status
}

func TestTracker_OnlineOnFirstSubscription(t *testing.T) {
	h := newHarness(t)

	conn, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn.ID, "conv")

	ev, ok := h.next(t, time.Second)
	if !ok {
		t.Fatal("no online presence emitted")
	}
	if ev.Kind != event.KindPresence || ev.Conversation != "conv" {
		t.Fatalf("got %s event for %q, want presence for conv", ev.Kind, ev.Conversation)
	}
	user, status := presenceStatus(t, ev)
	if user != "u1" || status != "online" {
		t.Errorf("presence = %s/%s, want u1/online", user, status)
	}

	// A second connection of the same user is not re-announced.
	conn2, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn2.ID, "conv")
	if ev, ok := h.next(t, 50*time.Millisecond); ok {
		t.Errorf("unexpected emission for second connection: %+v", ev)
	}
}

func TestTracker_OfflineAfterDebounce(t *testing.T) {
	h := newHarness(t)

	conn, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn.ID, "conv")
	h.next(t, time.Second) // online

	h.reg.Unregister(conn.ID)
	debounce := h.nextTimer(t)

	// Nothing surfaces until the debounce window lapses.
	if ev, ok := h.next(t, 50*time.Millisecond); ok {
		t.Fatalf("presence emitted before debounce fired: %+v", ev)
	}

	debounce.fire()

	ev, ok := h.next(t, time.Second)
	if !ok {
		t.Fatal("no offline presence emitted")
	}
	if _, status := presenceStatus(t, ev); status != "offline" {
		t.Errorf("status = %s, want offline", status)
	}
	if ev.Conversation != "conv" {
		t.Errorf("Conversation = %q, want conv", ev.Conversation)
	}
}

func TestTracker_FlapAbsorbed(t *testing.T) {
	h := newHarness(t)

	conn, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn.ID, "conv")
	h.next(t, time.Second) // online

	// Disconnect and reconnect inside the debounce window.
	h.reg.Unregister(conn.ID)
	debounce := h.nextTimer(t)
	conn2, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn2.ID, "conv")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.tracker.Stats().FlapsAbsorbed == 0 {
		time.Sleep(time.Millisecond)
	}
	if got := h.tracker.Stats().FlapsAbsorbed; got != 1 {
		t.Fatalf("FlapsAbsorbed = %d, want 1", got)
	}

	// The cancelled debounce must stay silent even if it races its Stop.
	debounce.fire()

	// Neither an offline nor a duplicate online may surface.
	if ev, ok := h.next(t, 50*time.Millisecond); ok {
		t.Fatalf("flap leaked a presence event: %+v", ev)
	}
}

func TestTracker_DoubleUnregisterSingleTransition(t *testing.T) {
	h := newHarness(t)

	conn, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn.ID, "conv")
	h.next(t, time.Second) // online

	h.reg.Unregister(conn.ID)
	h.reg.Unregister(conn.ID)

	h.nextTimer(t).fire()

	ev, ok := h.next(t, time.Second)
	if !ok {
		t.Fatal("no offline presence emitted")
	}
	if _, status := presenceStatus(t, ev); status != "offline" {
		t.Errorf("status = %s, want offline", status)
	}
	if ev, ok := h.next(t, 50*time.Millisecond); ok {
		t.Errorf("duplicate presence transition: %+v", ev)
	}
	select {
	case <-h.timers:
		t.Error("second unregister scheduled a second debounce timer")
	default:
	}
}

func TestTracker_Snapshot(t *testing.T) {
	h := newHarness(t)

	c1, _ := h.reg.Register("u1")
	c2, _ := h.reg.Register("u2")
	h.reg.Subscribe(c1.ID, "conv")
	h.reg.Subscribe(c2.ID, "conv")
	h.next(t, time.Second)
	h.next(t, time.Second)

	online := h.tracker.Snapshot("conv")
	if len(online) != 2 {
		t.Fatalf("Snapshot = %v, want 2 users", online)
	}
	if got := h.tracker.Snapshot("other"); len(got) != 0 {
		t.Errorf("Snapshot(other) = %v, want empty", got)
	}
}

func TestTracker_TypingAtMostOncePerWindow(t *testing.T) {
	h := newHarness(t)

	if !h.tracker.RefreshTyping("u1", "conv") {
		t.Fatal("first typing report must be deliverable")
	}
	ttl := h.nextTimer(t)

	if h.tracker.RefreshTyping("u1", "conv") {
		t.Error("refresh inside TTL window must be silent")
	}
	if ttl.resets != 1 {
		t.Errorf("refresh reset the TTL timer %d times, want 1", ttl.resets)
	}

	// Expiry emits a stop event and reopens the window.
	ttl.fire()

	ev, ok := h.next(t, time.Second)
	if !ok {
		t.Fatal("no typing-stop emitted after TTL")
	}
	if ev.Kind != event.KindTyping {
		t.Fatalf("Kind = %s, want typing", ev.Kind)
	}
	var p struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if p.IsTyping {
		t.Error("expiry payload must report isTyping=false")
	}

	if !h.tracker.RefreshTyping("u1", "conv") {
		t.Error("typing after expiry starts a new window")
	}
}

func TestTracker_OfflineClearsTyping(t *testing.T) {
	h := newHarness(t)

	conn, _ := h.reg.Register("u1")
	h.reg.Subscribe(conn.ID, "conv")
	h.next(t, time.Second) // online

	h.tracker.RefreshTyping("u1", "conv")
	ttl := h.nextTimer(t)

	h.reg.Unregister(conn.ID)
	h.nextTimer(t).fire()

	// Offline presence arrives; the typing indicator dies silently.
	ev, ok := h.next(t, time.Second)
	if !ok {
		t.Fatal("no offline presence emitted")
	}
	if ev.Kind != event.KindPresence {
		t.Fatalf("Kind = %s, want presence", ev.Kind)
	}
	if h.tracker.Stats().TypingEntries != 0 {
		t.Errorf("TypingEntries = %d, want 0", h.tracker.Stats().TypingEntries)
	}

	// The orphaned TTL timer was stopped; firing it emits nothing.
	ttl.fire()
	if ev, ok := h.next(t, 50*time.Millisecond); ok {
		t.Errorf("cleared typing indicator still emitted: %+v", ev)
	}
}
