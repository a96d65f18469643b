// Package event defines the event model shared by the distribution core.
//
// Every piece of traffic - chat messages, reactions, typing indicators,
// read receipts, presence transitions, and errors - is a single Event
// value tagged by Kind. Durable kinds carry a per-conversation sequence
// number assigned by the router; ephemeral kinds never do.
package event
