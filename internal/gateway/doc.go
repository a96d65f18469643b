// Package gateway terminates client WebSockets.
//
// A connection is validated before it exists anywhere else: credential
// check first, registry entry second. From then on two goroutines own
// the socket, a read loop translating wire events into router calls
// and a write loop draining the connection's outbox, so a slow write
// side never blocks reads. Whatever ends the connection, unregister
// runs exactly once.
package gateway
