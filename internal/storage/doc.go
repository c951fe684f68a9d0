// Package storage persists the notification ledger and the reference facts
// the selector reads.
//
// Drivers:
//   - memory: process-local, mutex-guarded
//   - file: memory store replayed from an append-only JSON Lines journal
//   - sqlite: modernc.org/sqlite through sqlx, immediate transactions
//   - postgres: pgx pool, per-key advisory locks
//
// Every driver implements the same guarded insert: an attempt is stored only
// when no record of the same (item, kind) exists inside the dedup window, and
// its chase count is one more than the highest stored for that key.
package storage
