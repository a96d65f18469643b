package event

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindMessage  Kind = "message"
	KindReaction Kind = "reaction"
	KindTyping   Kind = "typing"
	KindRead     Kind = "read"
	KindPresence Kind = "presence"
	KindError    Kind = "error"
)

// Durable reports whether events of this kind are persisted and carry
// a sequence number. Everything else is ephemeral.
func (k Kind) Durable() bool {
	return k == KindMessage || k == KindReaction
}

// Droppable reports whether an event of this kind may be evicted from
// a full outbound queue to make room for a durable event.
func (k Kind) Droppable() bool {
	_, ok := dropPriority[k]
	return ok
}

// DropPriority returns the eviction order for droppable kinds; lower
// values are evicted first. Returns -1 for kinds that must never be
// dropped.
func (k Kind) DropPriority() int {
	if p, ok := dropPriority[k]; ok {
		return p
	}
	return -1
}

var dropPriority = map[Kind]int{
	KindTyping:   0,
	KindRead:     1,
	KindPresence: 2,
}

// Event is an immutable value flowing through the core.
//
// Seq is zero until the router accepts a durable event and assigns the
// next sequence number for its conversation; ephemeral kinds keep zero.
type Event struct {
	ID           string
	Kind         Kind
	From         string // originating user, empty for synthetic events
	Conversation string
	Payload      json.RawMessage
	Seq          int64
	At           time.Time
}
