// Package store provides the SQLite substrate for the encounter module.
//
// The store holds two things:
//   - kv: a small typed key-value table (strings and ordered string lists)
//     used for tunables, the persisted friend list and per-identity
//     encounter state
//   - event_log: an append-only log of opaque payloads that backs the
//     durable event queue
//
// # Durability
//
// Appends are committed with synchronous=FULL, so an AppendEntry that returns
// nil survives a crash or power loss. Entries are removed one at a time by
// id, which lets the queue inspect the oldest entry and commit its removal
// as two separate steps.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: every commit is flushed
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Either the cgo driver (github.com/mattn/go-sqlite3, "sqlite3") or the pure
// Go driver (modernc.org/sqlite, "sqlite") can be selected with WithDriver.
package store
