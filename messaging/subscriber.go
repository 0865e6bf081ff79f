package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency bounds in-flight deliveries when not configured
const DefaultMaxConcurrency = 16

// Subscriber hosts a DeliveryHandler on a queue. Each delivery runs on its
// own goroutine, bounded by the concurrency limit, and is settled from the
// handler's Result.
type Subscriber struct {
	transport      TransportSubscriber
	maxConcurrency int64
	sem            *semaphore.Weighted
	prefetch       int
	consumerName   string
	logger         *slog.Logger
	inflight       sync.WaitGroup
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithMaxConcurrency bounds the number of deliveries processed at once
func WithMaxConcurrency(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.maxConcurrency = int64(n)
		}
	}
}

// WithPrefetch sets the broker prefetch; defaults to the concurrency limit
func WithPrefetch(n int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetch = n
	}
}

// WithConsumerName sets the durable consumer or group name
func WithConsumerName(name string) SubscriberOption {
	return func(s *Subscriber) {
		s.consumerName = name
	}
}

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a new subscriber host
func NewSubscriber(transport TransportSubscriber, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		transport:      transport,
		maxConcurrency: DefaultMaxConcurrency,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.prefetch <= 0 {
		s.prefetch = int(s.maxConcurrency)
	}
	s.sem = semaphore.NewWeighted(s.maxConcurrency)
	return s
}

// Run consumes queue until ctx is cancelled, then waits for in-flight
// deliveries to settle
func (s *Subscriber) Run(ctx context.Context, queue string, handler DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	err := s.transport.Subscribe(ctx, queue, func(d TransportDelivery) error {
		return s.dispatch(ctx, queue, d, handler)
	}, SubscriptionOptions{
		PrefetchCount: s.prefetch,
		ConsumerName:  s.consumerName,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue, err)
	}

	s.logger.Info("subscriber started",
		"queue", queue,
		"maxConcurrency", s.maxConcurrency,
	)

	<-ctx.Done()

	if err := s.transport.Unsubscribe(queue); err != nil {
		s.logger.Warn("failed to unsubscribe", "queue", queue, "error", err)
	}
	s.inflight.Wait()

	s.logger.Info("subscriber stopped", "queue", queue)
	return nil
}

func (s *Subscriber) dispatch(ctx context.Context, queue string, d TransportDelivery, handler DeliveryHandler) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Shutting down; hand the delivery back to the broker.
		return d.Reject(true)
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.sem.Release(1)

		res := handler.Handle(ctx, d)
		if err := res.Settle(d); err != nil {
			s.logger.ErrorContext(ctx, "failed to settle delivery",
				"queue", queue,
				"messageId", res.MessageID,
				"outcome", res.Outcome,
				"error", err,
			)
		}
	}()
	return nil
}
