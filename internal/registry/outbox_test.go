package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/secretmessenger/realtime/internal/event"
)

func msgEvent(seq int64) event.Event {
	return event.Event{
		Kind:         event.KindMessage,
		Conversation: "c1",
		Seq:          seq,
		Payload:      json.RawMessage(`{"content":"hi"}`),
	}
}

func typingEvent(from string) event.Event {
	return event.Event{Kind: event.KindTyping, Conversation: "c1", From: from}
}

func TestOutbox_FIFO(t *testing.T) {
	b := NewOutbox(8)

	for i := int64(1); i <= 5; i++ {
		if err := b.Push(msgEvent(i)); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}

	for i := int64(1); i <= 5; i++ {
		ev, ok := b.TryPop()
		if !ok {
			t.Fatalf("TryPop %d: empty", i)
		}
		if ev.Seq != i {
			t.Errorf("Seq = %d, want %d", ev.Seq, i)
		}
	}

	if _, ok := b.TryPop(); ok {
		t.Error("TryPop on empty outbox returned an event")
	}
}

func TestOutbox_EvictsTypingForMessage(t *testing.T) {
	// Scenario: queue saturated with typing events from other users;
	// an arriving message must evict one and be admitted.
	b := NewOutbox(3)

	for i := 0; i < 3; i++ {
		if err := b.Push(typingEvent(fmt.Sprintf("u%d", i))); err != nil {
			t.Fatalf("Push typing failed: %v", err)
		}
	}

	if err := b.Push(msgEvent(1)); err != nil {
		t.Fatalf("Push message on full-of-typing queue failed: %v", err)
	}

	// Oldest typing was evicted; remaining order preserved.
	got := make([]event.Kind, 0, 3)
	froms := make([]string, 0, 3)
	for {
		ev, ok := b.TryPop()
		if !ok {
			break
		}
		got = append(got, ev.Kind)
		froms = append(froms, ev.From)
	}
	want := []event.Kind{event.KindTyping, event.KindTyping, event.KindMessage}
	if len(got) != len(want) {
		t.Fatalf("drained %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d kind = %s, want %s", i, got[i], want[i])
		}
	}
	if froms[0] != "u1" || froms[1] != "u2" {
		t.Errorf("evicted wrong typing event, remaining from %v", froms[:2])
	}
}

func TestOutbox_EvictionPriority(t *testing.T) {
	// Presence outlives read receipts, read receipts outlive typing.
	b := NewOutbox(3)
	b.Push(event.Event{Kind: event.KindPresence, Conversation: "c1"})
	b.Push(event.Event{Kind: event.KindRead, Conversation: "c1"})
	b.Push(event.Event{Kind: event.KindTyping, Conversation: "c1"})

	if err := b.Push(msgEvent(1)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	kinds := map[event.Kind]bool{}
	for {
		ev, ok := b.TryPop()
		if !ok {
			break
		}
		kinds[ev.Kind] = true
	}
	if kinds[event.KindTyping] {
		t.Error("typing survived eviction ahead of read/presence")
	}
	if !kinds[event.KindRead] || !kinds[event.KindPresence] {
		t.Error("read/presence evicted before typing")
	}
}

func TestOutbox_OverflowWhenUndroppable(t *testing.T) {
	// Boundary: a full queue of messages either admits after eviction
	// or fails loudly. Never a silent loss.
	b := NewOutbox(2)
	b.Push(msgEvent(1))
	b.Push(msgEvent(2))

	err := b.Push(msgEvent(3))
	if err != ErrOverflow {
		t.Fatalf("Push = %v, want ErrOverflow", err)
	}

	// The queued messages are intact.
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
	ev, _ := b.TryPop()
	if ev.Seq != 1 {
		t.Errorf("first Seq = %d, want 1", ev.Seq)
	}
}

func TestOutbox_IncomingDroppableLosesToDurable(t *testing.T) {
	b := NewOutbox(2)
	b.Push(msgEvent(1))
	b.Push(msgEvent(2))

	// A typing event arriving at a queue full of messages is dropped
	// without error and without disturbing the messages.
	if err := b.Push(typingEvent("u1")); err != nil {
		t.Fatalf("Push typing = %v, want nil", err)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
	if b.Stats().Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", b.Stats().Evicted)
	}
}

func TestOutbox_CloseWakesPop(t *testing.T) {
	b := NewOutbox(4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := b.Pop(); ok {
			// drained leftover, wait for closed signal
			for {
				if _, ok := b.Pop(); !ok {
					return
				}
			}
		}
	}()

	b.Push(msgEvent(1))
	b.Close()
	wg.Wait()

	if err := b.Push(msgEvent(2)); err != ErrClosed {
		t.Errorf("Push after Close = %v, want ErrClosed", err)
	}
}

func TestOutbox_WrapAroundEviction(t *testing.T) {
	// Exercise removal with a wrapped ring: advance head first.
	b := NewOutbox(4)
	b.Push(msgEvent(1))
	b.Push(msgEvent(2))
	b.TryPop()
	b.TryPop()

	b.Push(typingEvent("u1"))
	b.Push(msgEvent(3))
	b.Push(msgEvent(4))
	b.Push(msgEvent(5)) // full, wrapped

	if err := b.Push(msgEvent(6)); err != nil {
		t.Fatalf("Push after wrap failed: %v", err)
	}

	want := []int64{3, 4, 5, 6}
	for i, w := range want {
		ev, ok := b.TryPop()
		if !ok {
			t.Fatalf("TryPop %d: empty", i)
		}
		if ev.Seq != w {
			t.Errorf("event %d Seq = %d, want %d", i, ev.Seq, w)
		}
	}
}
