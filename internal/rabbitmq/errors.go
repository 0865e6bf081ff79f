package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	ErrChannelPoolClosed = errors.New("rabbitmq: channel pool is closed")

	ErrPublishNacked   = errors.New("rabbitmq: publish nacked by broker")
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")

	ErrConsumerExists = errors.New("rabbitmq: queue already has a consumer")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string // Operation that failed
	URL       string // Connection URL (sanitized)
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Queue     string
	MessageID string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to queue %s: %v", e.MessageID, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL hides the password of an AMQP URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
