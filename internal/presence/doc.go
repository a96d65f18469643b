// Package presence derives online/offline/typing state from registry
// churn.
//
// The tracker is a pure observer over the registry change stream: it
// holds no connection objects, only per-user counters. Offline
// transitions are debounced to absorb reconnect flaps, and typing
// indicators expire on a TTL with at-most-once delivery per window.
// Synthetic presence events leave through the same router path as
// ordinary traffic.
package presence
