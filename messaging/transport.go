package messaging

import (
	"context"
	"errors"
)

// ErrLeaseUnsupported is returned by transports without a processing lease
var ErrLeaseUnsupported = errors.New("transport does not support lease extension")

// TransportPublisher defines the interface for publishing messages through a transport
type TransportPublisher interface {
	// Publish sends an encoded envelope with string metadata to a queue.
	// Implementations make a single attempt.
	Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error

	// Close closes the publisher
	Close() error
}

// TransportSubscriber defines the interface for subscribing to messages through a transport
type TransportSubscriber interface {
	// Subscribe starts delivering messages from queue to handler and returns.
	// Consumption stops when ctx is cancelled or Unsubscribe is called.
	Subscribe(ctx context.Context, queue string, handler func(delivery TransportDelivery) error, options SubscriptionOptions) error

	// Unsubscribe removes a subscription
	Unsubscribe(queue string) error

	// Close closes the subscriber
	Close() error
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Body returns the message body
	Body() []byte

	// Headers returns the string metadata published with the message
	Headers() map[string]string

	// Acknowledge marks the message as successfully processed
	Acknowledge() error

	// Reject rejects the message; requeue=false dead-letters it
	Reject(requeue bool) error

	// ExtendLease asks the broker for more processing time
	ExtendLease(ctx context.Context) error
}

// DeadLetterer is implemented by deliveries that can record why they were
// dead-lettered. Settle prefers it over Reject(false).
type DeadLetterer interface {
	DeadLetter(reason error) error
}

// Transport provides both publisher and subscriber functionality
type Transport interface {
	// Publisher returns a transport publisher
	Publisher() TransportPublisher

	// Subscriber returns a transport subscriber
	Subscriber() TransportSubscriber

	// DeclareQueue creates a queue if it doesn't exist
	DeclareQueue(ctx context.Context, name string, options QueueOptions) error

	// Connect establishes connection to the broker
	Connect(ctx context.Context) error

	// Close closes all resources
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	DeadLetter bool // provision a companion dead-letter queue
	Args       map[string]interface{}
}

// DefaultQueueOptions returns durable queues with dead-lettering
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{Durable: true, DeadLetter: true}
}

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	PrefetchCount int
	ConsumerName  string
}

// DeadLetterQueue returns the companion dead-letter queue name for queue
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}
