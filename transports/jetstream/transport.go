// Package jetstream binds the messaging transport interfaces to NATS JetStream.
//
// All queues live in one work-queue stream under <prefix>.<queue>. Each
// subscribed queue gets a durable pull consumer with explicit acks, so
// Reject(true) is a Nak, dead-lettering is a republish to <queue>.dlq
// followed by Term, and ExtendLease maps to InProgress.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/messaging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrNotConnected      = errors.New("jetstream transport: not connected")
	ErrAlreadySubscribed = errors.New("jetstream transport: queue already has a subscription")
)

const (
	defaultStream     = "MMATE_RELAY"
	defaultPrefix     = "relay"
	defaultAckWait    = 30 * time.Second
	defaultMaxDeliver = -1
)

type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Transport implements messaging.Transport for NATS JetStream
type Transport struct {
	url        string
	stream     string
	prefix     string
	ackWait    time.Duration
	maxDeliver int
	logger     *slog.Logger

	mu        sync.Mutex
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher msgPublisher
	consumers map[string]jetstream.ConsumeContext
}

// Option configures the Transport
type Option func(*Transport)

// WithStream sets the stream name
func WithStream(name string) Option {
	return func(t *Transport) {
		t.stream = name
	}
}

// WithSubjectPrefix sets the subject prefix queues are published under
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithAckWait sets how long a delivery may stay unacknowledged before
// redelivery. ExtendLease resets this timer.
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		t.ackWait = d
	}
}

// WithMaxDeliver caps delivery attempts per message; -1 is unlimited
func WithMaxDeliver(n int) Option {
	return func(t *Transport) {
		t.maxDeliver = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a JetStream transport. It does not dial; call Connect.
func NewTransport(url string, options ...Option) *Transport {
	t := &Transport{
		url:        url,
		stream:     defaultStream,
		prefix:     defaultPrefix,
		ackWait:    defaultAckWait,
		maxDeliver: defaultMaxDeliver,
		logger:     slog.Default(),
		consumers:  make(map[string]jetstream.ConsumeContext),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect dials NATS and ensures the stream exists
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(t.url,
		nats.Name("mmate-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("reconnected to NATS", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.stream,
		Subjects:  []string{t.prefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream %s: %w", t.stream, err)
	}

	t.conn = conn
	t.js = js
	t.publisher = js
	t.logger.Info("connected to NATS JetStream", "url", conn.ConnectedUrlRedacted(), "stream", t.stream)
	return nil
}

// JetStream returns the JetStream context, for sharing with the KV
// idempotency store
func (t *Transport) JetStream() (jetstream.JetStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.js == nil {
		return nil, ErrNotConnected
	}
	return t.js, nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// Ping measures a round trip to the server
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// Close stops consumers and drains the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for queue, cc := range t.consumers {
		cc.Stop()
		delete(t.consumers, queue)
	}
	if t.conn == nil {
		return nil
	}
	err := t.conn.Drain()
	t.conn = nil
	t.js = nil
	t.publisher = nil
	return err
}

// Publisher returns the transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return t
}

// Subscriber returns the transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return t
}

// DeclareQueue creates the durable consumer for name. The stream already
// captures every subject under the prefix, dead-letter subjects included.
func (t *Transport) DeclareQueue(ctx context.Context, name string, _ messaging.QueueOptions) error {
	_, err := t.consumer(ctx, name, "")
	return err
}

func (t *Transport) consumer(ctx context.Context, queue, durable string) (jetstream.Consumer, error) {
	js, err := t.JetStream()
	if err != nil {
		return nil, err
	}
	if durable == "" {
		durable = durableName(queue)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, t.stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: t.subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.ackWait,
		MaxDeliver:    t.maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", queue, err)
	}
	return consumer, nil
}

// Publish stores body on the queue's subject. The message id doubles as the
// JetStream de-duplication id.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	t.mu.Lock()
	pub := t.publisher
	t.mu.Unlock()

	if pub == nil {
		return ErrNotConnected
	}

	var opts []jetstream.PublishOpt
	if id := headers[messaging.HeaderMessageID]; id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	if _, err := pub.PublishMsg(ctx, t.message(t.subject(queue), body, headers), opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) message(subject string, body []byte, headers map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = body
	for k, v := range headers {
		msg.Header[k] = []string{v}
	}
	return msg
}

// Subscribe consumes the queue through its durable consumer until ctx is
// cancelled or Unsubscribe is called. A handler error naks the delivery.
func (t *Transport) Subscribe(ctx context.Context, queue string, handler func(messaging.TransportDelivery) error, options messaging.SubscriptionOptions) error {
	t.mu.Lock()
	_, exists := t.consumers[queue]
	t.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}

	consumer, err := t.consumer(ctx, queue, options.ConsumerName)
	if err != nil {
		return err
	}

	var consumeOpts []jetstream.PullConsumeOpt
	if options.PrefetchCount > 0 {
		consumeOpts = append(consumeOpts, jetstream.PullMaxMessages(options.PrefetchCount))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		d := &delivery{transport: t, queue: queue, msg: msg}
		if err := handler(d); err != nil {
			t.logger.Warn("delivery handler failed, requeueing",
				"queue", queue,
				"error", err,
			)
			_ = d.Reject(true)
		}
	}, consumeOpts...)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	t.mu.Lock()
	t.consumers[queue] = cc
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = t.Unsubscribe(queue)
	}()

	t.logger.Info("consumer started", "queue", queue, "subject", t.subject(queue))
	return nil
}

// Unsubscribe stops consuming the queue. The durable consumer is kept.
func (t *Transport) Unsubscribe(queue string) error {
	t.mu.Lock()
	cc, ok := t.consumers[queue]
	delete(t.consumers, queue)
	t.mu.Unlock()

	if ok {
		cc.Stop()
	}
	return nil
}

func (t *Transport) subject(queue string) string {
	return t.prefix + "." + queue
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func durableName(queue string) string {
	return durableReplacer.Replace(queue)
}
