// Package store provides the SQLite-backed entityd journal.
//
// Two tables hold everything the core needs:
//   - events: the append-only per-entity log, keyed by (entity_id, seq)
//   - snapshots: point-in-time entity states, keyed by (entity_id, seq)
//
// # Ordering
//
// All reads order by seq ASC. seq is the entity's logical clock; wall time is
// never stored or consulted, so recovery is deterministic.
//
// # Fencing
//
// The (entity_id, seq) primary key is the single-writer backstop. A second
// writer for the same entity (a stale owner during a shard move) loses the
// insert race and gets journal.ErrSeqConflict.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: An append is durable when AppendEvent returns
//   - busy_timeout: 5s by default, see WithBusyTimeout
//
// These are set in the connection string so every pooled connection gets
// them. Schema changes after schema.sql go in the migrations list and are
// tracked by PRAGMA user_version.
//
// Event digests are computed in internal/ir/hash.go and stored alongside the
// payload so the recovery loader can detect corruption.
package store
