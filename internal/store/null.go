package store

import "github.com/secretmessenger/realtime/internal/event"

// Null discards every event. It stands in for the writer when
// persistence is disabled.
type Null struct{}

// Save discards the event.
func (Null) Save(event.Event) {}
