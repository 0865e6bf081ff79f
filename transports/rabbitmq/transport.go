package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/correlation"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
	// singleActive declares queues with x-single-active-consumer
	singleActive bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	PoolOptions        []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *slog.Logger
	SingleActiveQueues bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and its internals
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithSingleActiveConsumer declares queues with x-single-active-consumer
// for strict per-queue ordering
func WithSingleActiveConsumer(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.SingleActiveQueues = enabled
	}
}

// NewTransport creates a RabbitMQ transport. It does not dial; call Connect.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		consumer:  rabbitmq.NewConsumer(manager, consumerOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,

		singleActive: cfg.SingleActiveQueues,
	}
	return t, nil
}

// Dial creates a transport and connects it
func Dial(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	t, err := NewTransport(url, options...)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return t, nil
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{publisher: t.publisher}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriberAdapter{consumer: t.consumer, logger: t.logger}
}

// DeclareQueue declares a queue and, when requested, its dead-letter queue
func (t *Transport) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	args := amqp.Table{}
	for k, v := range options.Args {
		args[k] = v
	}
	if t.singleActive {
		args["x-single-active-consumer"] = true
	}

	decl := rabbitmq.QueueDeclaration{
		Name:      name,
		Durable:   options.Durable,
		Arguments: args,
	}
	if options.DeadLetter {
		decl.DeadLetterQueue = messaging.DeadLetterQueue(name)
	}
	return t.topology.DeclareQueue(ctx, decl)
}

// QueueDepth returns the number of ready messages in a queue
func (t *Transport) QueueDepth(ctx context.Context, name string) (int, error) {
	return t.topology.QueueDepth(ctx, name)
}

// Connect establishes connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// Close stops consumers, drains the channel pool and closes the connection
func (t *Transport) Close() error {
	if err := t.consumer.UnsubscribeAll(); err != nil {
		t.logger.Warn("failed to stop consumers", "error", err)
	}
	if err := t.pool.Close(); err != nil {
		t.logger.Warn("failed to close channel pool", "error", err)
	}
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// publisherAdapter adapts the confirm publisher to TransportPublisher
type publisherAdapter struct {
	publisher *rabbitmq.Publisher
}

// Publish implements TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	return p.publisher.Publish(ctx, queue, publishing(body, headers))
}

// Close implements TransportPublisher. The pool is owned by the Transport.
func (p *publisherAdapter) Close() error {
	return nil
}

func publishing(body []byte, headers map[string]string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     headers[messaging.HeaderMessageID],
		CorrelationId: headers[correlation.MetadataKey],
		Type:          headers[messaging.HeaderAction],
		Headers:       rabbitmq.HeadersTable(headers),
		Body:          body,
	}
}

// subscriberAdapter adapts the consumer to TransportSubscriber
type subscriberAdapter struct {
	consumer *rabbitmq.Consumer
	logger   *slog.Logger
}

// Subscribe implements TransportSubscriber. A handler error requeues the delivery.
func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, handler func(messaging.TransportDelivery) error, options messaging.SubscriptionOptions) error {
	return s.consumer.Subscribe(ctx, queue, options.ConsumerName, options.PrefetchCount, func(d amqp.Delivery) {
		delivery := &deliveryAdapter{delivery: d}
		if err := handler(delivery); err != nil {
			s.logger.Warn("delivery handler failed, requeueing",
				"queue", queue,
				"messageId", d.MessageId,
				"error", err,
			)
			_ = delivery.Reject(true)
		}
	})
}

// Unsubscribe implements TransportSubscriber
func (s *subscriberAdapter) Unsubscribe(queue string) error {
	return s.consumer.Unsubscribe(queue)
}

// Close implements TransportSubscriber
func (s *subscriberAdapter) Close() error {
	return s.consumer.UnsubscribeAll()
}

// deliveryAdapter adapts amqp.Delivery to TransportDelivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// Body implements TransportDelivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// Headers implements TransportDelivery
func (d *deliveryAdapter) Headers() map[string]string {
	return rabbitmq.StringHeaders(d.delivery.Headers)
}

// Acknowledge implements TransportDelivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements TransportDelivery. Without requeue the broker routes the
// message to the queue's dead-letter queue.
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

// ExtendLease implements TransportDelivery. AMQP has no per-delivery lease;
// unacknowledged deliveries stay owned until the channel closes.
func (d *deliveryAdapter) ExtendLease(context.Context) error {
	return messaging.ErrLeaseUnsupported
}
