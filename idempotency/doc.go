// Package idempotency records which units of work have already taken
// effect, so that redelivered messages do not repeat side effects.
//
// A Guard wraps a Store. Handlers first check Completed, then Claim the key
// before running. A claim is released with Release when the handler fails,
// and finalized with Complete only after every effect, including the reply,
// has been produced. Records expire after their TTL and are then treated as
// absent.
//
// Three stores are provided: MemoryStore for tests and single-process runs,
// PostgresStore backed by pgx, and KVStore backed by a NATS JetStream
// key-value bucket.
package idempotency
