// Package storage persists ledger records, task registrations and task
// reports.
//
// Drivers:
//   - "memory": process-local maps, for tests and dry runs
//   - "file":   JSON Lines journals with snapshot compaction, shared between
//     processes through a lock file
//   - "sqlite": SQLite via sqlx, versioned schema migrations (the default)
//   - "redis":  redigo pool, SET NX / HSETNX for conditional inserts
//
// Every driver guarantees that conditional inserts are atomic per key, which
// is what the ledger and the registrar rely on instead of locks of their own.
package storage
