// Package rabbitmq is the AMQP 0-9-1 plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: one connection, re-dialled with backoff when the broker drops it
//   - ChannelPool: confirm-mode channels shared by publishing and topology work
//   - Publisher: single-attempt publish that waits for the broker confirm
//   - Consumer: one consumer per queue, restored after reconnection
//   - TopologyManager: queue declaration with a companion dead-letter queue
package rabbitmq
