// Package database provides connection pool management for PostgreSQL.
//
// A gateway uses one pool for everything it touches: membership reads
// from chat_participants and batched message inserts. The tables are
// owned by the surrounding application; the gateway never migrates or
// alters them.
package database
