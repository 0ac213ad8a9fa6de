// Package storage persists broadcast state.
//
// It holds two kinds of data:
//   - Last-sent instants per tenant (LastSentStore, in memory with write-through)
//   - A capped per-tenant error log (ErrorLog)
//
// Both sit on a Backend selected by Config.Driver (file, sqlite, redis, memory).
package storage
