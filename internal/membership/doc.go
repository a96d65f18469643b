// Package membership resolves conversation membership.
//
// Membership is owned by the surrounding application; the core only
// reads it. Lookups go through a read-through cache with a short TTL
// because membership is eventually consistent with external mutation,
// and every database round trip runs under a bounded timeout so a slow
// lookup fails one routed event instead of stalling the router.
package membership
