// Package registry implements the Connection Registry component.
//
// The registry:
//   - Owns every live connection and its bounded outbound queue
//   - Maps user -> connections and conversation -> subscribed connections
//   - Emits an ordered change stream consumed by the presence tracker
//   - Enforces the ACTIVE -> DRAINING -> CLOSED connection lifecycle
//
// All operations are safe under arbitrary concurrent callers, and
// unregistering an unknown connection is a no-op: disconnect races are
// routine, not errors.
package registry
