package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxPayloadBytes bounds the payload of a single inbound event.
const MaxPayloadBytes = 64 * 1024

// Errors returned by inbound validation.
var (
	ErrUnknownType         = errors.New("unknown event type")
	ErrMissingConversation = errors.New("missing conversation id")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

// Inbound is the wire envelope a client sends over the WebSocket.
type Inbound struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the wire envelope the gateway writes to a client.
type Outbound struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Sequence       int64           `json:"sequence,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// inboundKinds are the event types a client may originate. Subscribe
// and unsubscribe are handled by the gateway before routing.
var inboundKinds = map[string]Kind{
	"message":  KindMessage,
	"reaction": KindReaction,
	"typing":   KindTyping,
	"read":     KindRead,
}

// ParseInbound decodes and validates a raw inbound frame.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound event: %w", err)
	}
	if err := in.Validate(); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// Validate checks the envelope against the inbound schema.
func (in Inbound) Validate() error {
	if in.Type == "subscribe" || in.Type == "unsubscribe" {
		if in.ConversationID == "" {
			return ErrMissingConversation
		}
		return nil
	}
	if _, ok := inboundKinds[in.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	if in.ConversationID == "" {
		return ErrMissingConversation
	}
	if len(in.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// EventKind maps a validated inbound type to its Kind. The second
// return is false for gateway commands (subscribe/unsubscribe).
func (in Inbound) EventKind() (Kind, bool) {
	k, ok := inboundKinds[in.Type]
	return k, ok
}

// Outbound converts an event to its wire form.
func (e Event) Outbound() Outbound {
	return Outbound{
		Type:           string(e.Kind),
		ConversationID: e.Conversation,
		Sequence:       e.Seq,
		Payload:        e.Payload,
	}
}

// Encode marshals the wire form of an event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e.Outbound())
}

// errorPayload is the payload of an ERROR event.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error builds an ERROR event scoped to a single connection. The
// conversation may be empty when the failure is not tied to one.
func Error(conversation, code, message string) Event {
	payload, _ := json.Marshal(errorPayload{Code: code, Message: message})
	return Event{
		Kind:         KindError,
		Conversation: conversation,
		Payload:      payload,
	}
}
