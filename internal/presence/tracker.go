package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/registry"
)

// Timer is the subset of *time.Timer the tracker schedules callbacks
// with. Tests substitute manually fired timers.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// TimerFactory schedules fn to run after d, like time.AfterFunc.
type TimerFactory func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Config holds presence tracker settings.
type Config struct {
	// OfflineDebounce delays the offline transition after the last
	// connection drops, absorbing reconnect flaps.
	OfflineDebounce time.Duration

	// TypingTTL expires a typing indicator that is not refreshed.
	TypingTTL time.Duration

	Clock    func() time.Time // injectable for tests; nil = time.Now
	NewTimer TimerFactory     // injectable for tests; nil = time.AfterFunc
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OfflineDebounce: 5 * time.Second,
		TypingTTL:       10 * time.Second,
	}
}

func (c *Config) norm() {
	if c.OfflineDebounce <= 0 {
		c.OfflineDebounce = 5 * time.Second
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewTimer == nil {
		c.NewTimer = afterFunc
	}
}

// EmitFunc routes a synthetic event. The tracker never calls it while
// holding internal locks.
type EmitFunc func(event.Event)

// userState is the presence record for one user.
type userState struct {
	online         bool
	active         int
	convs          map[string]int // conversation -> subscribed-connection count
	offlineTimer   Timer
	suppressOnline map[string]struct{} // convs whose online re-announce is a flap
	lastTransition time.Time
}

type typingKey struct {
	user         string
	conversation string
}

// Tracker consumes registry changes and emits presence events.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	emit    EmitFunc
	changes <-chan registry.ConnChange

	mu     sync.Mutex
	users  map[string]*userState
	typing map[typingKey]Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	onlineEmitted  int64
	offlineEmitted int64
	flapsAbsorbed  int64
}

// TrackerStats contains runtime statistics.
type TrackerStats struct {
	OnlineUsers    int
	TypingEntries  int
	OnlineEmitted  int64
	OfflineEmitted int64
	FlapsAbsorbed  int64
}

// NewTracker creates a presence tracker over the given change stream.
func NewTracker(cfg Config, changes <-chan registry.ConnChange, emit EmitFunc, logger *slog.Logger) *Tracker {
	cfg.norm()
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		emit:    emit,
		changes: changes,
		users:   make(map[string]*userState),
		typing:  make(map[typingKey]Timer),
	}
}

// Start begins consuming registry changes.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.consumeLoop()

	t.logger.Info("presence tracker started",
		"offline_debounce", t.cfg.OfflineDebounce,
		"typing_ttl", t.cfg.TypingTTL,
	)
	return nil
}

// Stop shuts the tracker down and cancels pending timers.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("presence tracker stop timed out")
	}

	t.mu.Lock()
	for _, us := range t.users {
		if us.offlineTimer != nil {
			us.offlineTimer.Stop()
		}
	}
	for _, timer := range t.typing {
		timer.Stop()
	}
	t.typing = make(map[typingKey]Timer)
	t.mu.Unlock()

	return nil
}

// Stats returns current statistics.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	online := 0
	for _, us := range t.users {
		if us.online {
			online++
		}
	}
	return TrackerStats{
		OnlineUsers:    online,
		TypingEntries:  len(t.typing),
		OnlineEmitted:  t.onlineEmitted,
		OfflineEmitted: t.offlineEmitted,
		FlapsAbsorbed:  t.flapsAbsorbed,
	}
}

// Snapshot returns the users currently online in a conversation, for
// replay to a freshly subscribed connection.
func (t *Tracker) Snapshot(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for userID, us := range t.users {
		if us.online && us.convs[conversationID] > 0 {
			out = append(out, userID)
		}
	}
	return out
}

// RefreshTyping records typing activity. Returns true when the
// indicator should be delivered: the first report in a TTL window.
// Refreshes within the window extend it silently.
func (t *Tracker) RefreshTyping(userID, conversationID string) bool {
	key := typingKey{user: userID, conversation: conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.typing[key]; ok {
		timer.Reset(t.cfg.TypingTTL)
		return false
	}

	t.typing[key] = t.cfg.NewTimer(t.cfg.TypingTTL, func() {
		t.expireTyping(key)
	})
	return true
}

// expireTyping fires when a typing indicator's TTL lapses without a
// refresh.
func (t *Tracker) expireTyping(key typingKey) {
	t.mu.Lock()
	if _, ok := t.typing[key]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	t.mu.Unlock()

	t.emit(typingStopped(key.user, key.conversation, t.cfg.Clock()))
}

// consumeLoop processes the registry change stream.
func (t *Tracker) consumeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case ch, ok := <-t.changes:
			if !ok {
				return
			}
			t.handleChange(ch)
		}
	}
}

// handleChange applies one registry mutation to the presence state.
func (t *Tracker) handleChange(ch registry.ConnChange) {
	var out []event.Event

	t.mu.Lock()
	switch ch.Type {
	case registry.ChangeRegistered:
		us := t.ensureLocked(ch.UserID)
		us.active = ch.ActiveConns
		if us.offlineTimer != nil {
			// Reconnect within the debounce window: no transition.
			us.offlineTimer.Stop()
			us.offlineTimer = nil
			t.flapsAbsorbed++
		} else if !us.online {
			us.online = true
			us.lastTransition = ch.At
		}

	case registry.ChangeSubscribed:
		us := t.ensureLocked(ch.UserID)
		us.convs[ch.Conversation]++
		if us.convs[ch.Conversation] == 1 && us.online {
			if _, flap := us.suppressOnline[ch.Conversation]; flap {
				delete(us.suppressOnline, ch.Conversation)
			} else {
				out = append(out, presenceEvent(ch.UserID, ch.Conversation, "online", ch.At))
				t.onlineEmitted++
			}
		}

	case registry.ChangeUnsubscribed:
		if us := t.users[ch.UserID]; us != nil {
			t.releaseConvLocked(us, ch.Conversation)
		}

	case registry.ChangeUnregistered:
		us := t.users[ch.UserID]
		if us == nil {
			break
		}
		us.active = ch.ActiveConns

		// Snapshot before refcounts drop so the offline emission still
		// knows which conversations to notify.
		snapshot := make([]string, 0, len(us.convs))
		for convID := range us.convs {
			snapshot = append(snapshot, convID)
		}
		for _, convID := range ch.Conversations {
			t.releaseConvLocked(us, convID)
		}

		if ch.ActiveConns == 0 && us.online && us.offlineTimer == nil {
			us.suppressOnline = make(map[string]struct{}, len(snapshot))
			for _, convID := range snapshot {
				us.suppressOnline[convID] = struct{}{}
			}
			userID := ch.UserID
			us.offlineTimer = t.cfg.NewTimer(t.cfg.OfflineDebounce, func() {
				t.goOffline(userID, snapshot)
			})
		}
	}
	t.mu.Unlock()

	for _, ev := range out {
		t.emit(ev)
	}
}

// goOffline fires when the debounce window lapses without a reconnect.
func (t *Tracker) goOffline(userID string, conversations []string) {
	now := t.cfg.Clock()

	t.mu.Lock()
	us := t.users[userID]
	if us == nil || us.offlineTimer == nil || us.active > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.offlineEmitted++

	// Drop any typing indicators silently; the offline event makes
	// them moot.
	for key, timer := range t.typing {
		if key.user == userID {
			timer.Stop()
			delete(t.typing, key)
		}
	}
	t.mu.Unlock()

	for _, convID := range conversations {
		t.emit(presenceEvent(userID, convID, "offline", now))
	}
}

// ensureLocked returns the user's record, creating it if needed.
// Caller holds the lock.
func (t *Tracker) ensureLocked(userID string) *userState {
	us := t.users[userID]
	if us == nil {
		us = &userState{convs: make(map[string]int)}
		t.users[userID] = us
	}
	return us
}

// releaseConvLocked decrements a conversation refcount. Caller holds
// the lock.
func (t *Tracker) releaseConvLocked(us *userState, conversationID string) {
	if us.convs[conversationID] <= 1 {
		delete(us.convs, conversationID)
		return
	}
	us.convs[conversationID]--
}

// presencePayload is the payload of a PRESENCE event.
type presencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func presenceEvent(userID, conversationID, status string, at time.Time) event.Event {
	payload, _ := json.Marshal(presencePayload{UserID: userID, Status: status})
	return event.Event{
		Kind:         event.KindPresence,
		From:         userID,
		Conversation: conversationID,
		Payload:      payload,
		At:           at,
	}
}

// typingStoppedPayload mirrors the client's typing payload shape.
type typingStoppedPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func typingStopped(userID, conversationID string, at time.Time) event.Event {
	payload, _ := json.Marshal(typingStoppedPayload{UserID: userID, IsTyping: false})
	return event.Event{
		Kind:         event.KindTyping,
		From:         userID,
		Conversation: conversationID,
		Payload:      payload,
		At:           at,
	}
}
