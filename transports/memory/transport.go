// Package memory is an in-process broker with at-least-once semantics.
// It backs local runs and round-trip tests: rejected messages are redelivered,
// dead-lettered messages are kept for inspection, and lease extensions are counted.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-relay/messaging"
)

const queueCapacity = 1024

var (
	ErrNotConnected      = errors.New("memory transport: not connected")
	ErrAlreadySettled    = errors.New("memory transport: delivery already settled")
	ErrQueueFull         = errors.New("memory transport: queue is full")
	ErrAlreadySubscribed = errors.New("memory transport: queue already has a subscriber")
	ErrQueueNotFound     = errors.New("memory transport: queue not declared")
)

// Message is a published message as seen by the broker
type Message struct {
	Queue   string
	Body    []byte
	Headers map[string]string
	// Attempt counts deliveries, starting at 1
	Attempt int
}

type queue struct {
	messages    chan Message
	deadLetters []Message
	acked       int
	cancel      context.CancelFunc
}

// Transport implements messaging.Transport in memory
type Transport struct {
	mu         sync.Mutex
	connected  bool
	queues     map[string]*queue
	published  []Message
	publishErr error
	leases     int
	logger     *slog.Logger
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a connected in-memory transport
func NewTransport(options ...Option) *Transport {
	t := &Transport{
		connected: true,
		queues:    make(map[string]*queue),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Publisher returns the transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return t
}

// Subscriber returns the transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return t
}

// Connect marks the transport connected
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close stops every subscription and disconnects
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, q := range t.queues {
		if q.cancel != nil {
			q.cancel()
			q.cancel = nil
		}
	}
	t.connected = false
	return nil
}

// DeclareQueue creates name and, if requested, its dead-letter queue
func (t *Transport) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queueLocked(name)
	if options.DeadLetter {
		t.queueLocked(messaging.DeadLetterQueue(name))
	}
	return nil
}

func (t *Transport) queueLocked(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = &queue{messages: make(chan Message, queueCapacity)}
		t.queues[name] = q
	}
	return q
}

// FailPublish makes every Publish return err until called with nil
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// Publish enqueues body on queue. Headers are copied.
func (t *Transport) Publish(ctx context.Context, queueName string, body []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.publishErr != nil {
		err := t.publishErr
		t.mu.Unlock()
		return err
	}

	msg := Message{
		Queue:   queueName,
		Body:    append([]byte(nil), body...),
		Headers: copyHeaders(headers),
		Attempt: 1,
	}
	t.published = append(t.published, msg)
	q := t.queueLocked(queueName)
	t.mu.Unlock()

	return enqueue(q, msg)
}

func enqueue(q *queue, msg Message) error {
	select {
	case q.messages <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, msg.Queue)
	}
}

// Subscribe delivers messages from queue to handler until ctx is cancelled
// or Unsubscribe is called. A handler error requeues the delivery.
func (t *Transport) Subscribe(ctx context.Context, queueName string, handler func(messaging.TransportDelivery) error, options messaging.SubscriptionOptions) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	q := t.queueLocked(queueName)
	if q.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queueName)
	}
	subCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	t.mu.Unlock()

	go t.consume(subCtx, q, handler)

	t.logger.Debug("subscribed", "queue", queueName)
	return nil
}

func (t *Transport) consume(ctx context.Context, q *queue, handler func(messaging.TransportDelivery) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.messages:
			d := &delivery{transport: t, queue: q, msg: msg}
			if err := handler(d); err != nil {
				t.logger.Warn("delivery handler failed, requeueing",
					"queue", msg.Queue,
					"error", err,
				)
				_ = d.Reject(true)
			}
		}
	}
}

// Unsubscribe stops the subscription on queue
func (t *Transport) Unsubscribe(queueName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueName]
	if !ok || q.cancel == nil {
		return nil
	}
	q.cancel()
	q.cancel = nil
	return nil
}

// Published returns every message published to queue, in order
func (t *Transport) Published(queueName string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, m := range t.published {
		if m.Queue == queueName {
			out = append(out, m)
		}
	}
	return out
}

// DeadLetters returns messages rejected without requeue from queue
func (t *Transport) DeadLetters(queueName string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queueName]
	if !ok {
		return nil
	}
	return append([]Message(nil), q.deadLetters...)
}

// Acked returns how many deliveries from queue were acknowledged
func (t *Transport) Acked(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.queues[queueName]; ok {
		return q.acked
	}
	return 0
}

// QueueDepth returns the number of messages waiting in queue
func (t *Transport) QueueDepth(_ context.Context, name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return len(q.messages), nil
}

// LeaseExtensions returns how many times any delivery extended its lease
func (t *Transport) LeaseExtensions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leases
}

type delivery struct {
	transport *Transport
	queue     *queue
	msg       Message
	mu        sync.Mutex
	settled   bool
}

func (d *delivery) Body() []byte {
	return d.msg.Body
}

func (d *delivery) Headers() map[string]string {
	return d.msg.Headers
}

func (d *delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

func (d *delivery) Acknowledge() error {
	if err := d.settle(); err != nil {
		return err
	}
	d.transport.mu.Lock()
	d.queue.acked++
	d.transport.mu.Unlock()
	return nil
}

func (d *delivery) Reject(requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}

	if requeue {
		msg := d.msg
		msg.Attempt++
		return enqueue(d.queue, msg)
	}

	t := d.transport
	t.mu.Lock()
	d.queue.deadLetters = append(d.queue.deadLetters, d.msg)
	dlq, ok := t.queues[messaging.DeadLetterQueue(d.msg.Queue)]
	t.mu.Unlock()

	if ok {
		return enqueue(dlq, d.msg)
	}
	return nil
}

func (d *delivery) ExtendLease(ctx context.Context) error {
	d.mu.Lock()
	settled := d.settled
	d.mu.Unlock()
	if settled {
		return ErrAlreadySettled
	}

	d.transport.mu.Lock()
	d.transport.leases++
	d.transport.mu.Unlock()
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
