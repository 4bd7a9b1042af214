// Package transactor executes the per-round read and write operations of
// the materialization protocol: the batched Load and the streamed,
// checkpointed Store.
//
// Load resolves an ordered batch of packed keys to an ordered batch of
// documents, 1:1. Missing keys map to explicit empty results, never to
// errors or null sentinels.
//
// Store is an explicit two-state machine per stream: AwaitingStart until
// the Start message arrives, then Accumulating while Continue chunks
// stage rows inside a single destination transaction. The terminal
// response is the only commit signal; a stream abandoned mid-flight rolls
// back with no visible effect. Before the transaction becomes durable the
// caller identity's fence epoch is re-checked; a stale epoch aborts the
// commit and is fatal to the session.
//
// Concurrent Load/Store operations from different sessions address
// non-overlapping key sets - that is the caller's promise - so the
// transactor arbitrates only session-level (fencing) conflicts, never
// key-level ones.
package transactor
