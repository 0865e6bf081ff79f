package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler receives each delivery. It owns acknowledgment.
type MessageHandler func(delivery amqp.Delivery)

// Consumer runs one consumer per queue on a dedicated channel and
// re-establishes it after the connection comes back
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	retryDelay    time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*consumerInfo
}

type consumerInfo struct {
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default QoS prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithResubscribeDelay sets the wait between attempts to restore a consumer
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = delay
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		retryDelay:    time.Second,
		logger:        slog.Default(),
		active:        make(map[string]*consumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue. The first consume happens before
// Subscribe returns so configuration errors surface immediately.
func (c *Consumer) Subscribe(ctx context.Context, queue, tag string, prefetch int, handler MessageHandler) error {
	if prefetch <= 0 {
		prefetch = c.prefetchCount
	}

	c.mu.Lock()
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: ErrConsumerExists, Timestamp: time.Now()}
	}
	c.mu.Unlock()

	ch, deliveries, err := c.consume(queue, tag, prefetch)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	info := &consumerInfo{tag: tag, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[queue] = info
	c.mu.Unlock()

	go c.run(subCtx, queue, info, prefetch, ch, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
	)
	return nil
}

func (c *Consumer) consume(queue, tag string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.manager.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, queue string, info *consumerInfo, prefetch int, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		if c.active[queue] == info {
			delete(c.active, queue)
		}
		c.mu.Unlock()
		close(info.done)
		c.logger.Info("consumer stopped", "queue", queue)
	}()

	for {
		c.drain(ctx, deliveries, handler)
		if ch != nil {
			ch.Close()
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing", "queue", queue)
		for {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return
			}

			var err error
			ch, deliveries, err = c.consume(queue, info.tag, prefetch)
			if err == nil {
				c.logger.Info("consumer restored", "queue", queue)
				break
			}
			c.logger.Debug("resubscribe failed", "queue", queue, "error", err)
		}
	}
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handler(d)
		}
	}
}

// Unsubscribe stops the consumer on queue and waits for it to exit
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()

	if !ok {
		return nil
	}
	info.cancel()
	<-info.done
	return nil
}

// UnsubscribeAll stops every consumer
func (c *Consumer) UnsubscribeAll() error {
	c.mu.Lock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		if err := c.Unsubscribe(q); err != nil {
			return err
		}
	}
	return nil
}

// ActiveQueues returns the queues with a running consumer
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
