// Package store persists durable events to the messages table.
//
// Persistence is asynchronous: the router hands off an event after
// fan-out and never waits on the database. Writes are batched and use
// append-only semantics (never update, only insert); the sequence
// number gives each row a natural conflict key, so replays collapse
// with ON CONFLICT DO NOTHING.
package store
