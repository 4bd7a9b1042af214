// Package store provides the SQLite destination engine underneath the
// materialization protocol.
//
// It owns two kinds of destination state:
//   - Fence records: one row per (target, caller identity), holding the
//     current write epoch and the last committed flow checkpoint. This is
//     the single piece of state requiring strict mutual exclusion across
//     sessions; it is protected by SQLite's own transaction mechanism,
//     never by an in-process lock.
//   - Materialized tables: one per target resource, created by the
//     applier, keyed by the packed key tuple.
//
// Database configuration:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: referential integrity
//
// SQLite supports one writer at a time; concurrent sessions serialize
// their write transactions on busy_timeout, which is exactly the
// isolation the fencing protocol requires. Reads proceed concurrently
// under WAL.
package store
