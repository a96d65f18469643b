// Package router implements the fan-out engine.
//
// Durable events (messages, reactions) are accepted for a conversation
// under that conversation's sequencer: a lazily-created mutex entry
// that serializes sequence assignment and outbox enqueue, so every
// live recipient observes events in sequence order. Ephemeral events
// skip sequencing and persistence entirely.
//
// Failures are scoped to one routed event. A membership lookup timing
// out fails that event; a slow connection overflowing its outbox gets
// closed; neither touches other conversations or connections.
package router
