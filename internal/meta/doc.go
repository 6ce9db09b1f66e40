// Package meta implements the peer's durable metadata: its stable identity,
// the pin table, and the deletion tombstone list.
//
// # Persistence scheme
//
// Both logical tables use a checkpoint-plus-log layout under the meta
// directory:
//
//	name        one line, the peer's UUID
//	pins.ckpt   JSON object {identifier: digest}, the last checkpoint
//	pins.log    one line per mutation, "ADD:<id>" or "DEL:<id>"
//	dels.log    one identifier per line, append-only
//
// Every mutation appends to the relevant log and is flushed and fsynced
// before the in-memory table changes, so a crash can lose at most a
// mutation that was never acknowledged. When the pin log accumulates more
// than its configured number of appends, the full table is written to a
// temporary file, fsynced, renamed over pins.ckpt, and the log truncated;
// a crash at any point leaves either the old or the new checkpoint intact,
// never a partial file. Temporary files use the ".new" suffix.
//
// On load the checkpoint is parsed first; log lines are replayed on top
// unless the log's modification time is older than the checkpoint's.
// Replay is idempotent: re-adding a present pin and deleting an absent one
// are both no-ops, so replaying a log twice is a fixed point.
//
// # Tombstones
//
// Tombstones record deletions permanently so stale gossip cannot
// resurrect a deleted object. They are never removed individually; when
// the list exceeds its cap the older half is dropped and the remainder
// rewritten through the same temp-file-and-rename discipline.
//
// # Concurrency
//
// All Store methods are safe for concurrent use. A single mutex covers the
// log append and the table mutation together, which is what makes the
// log-before-state ordering observable to other goroutines.
package meta
