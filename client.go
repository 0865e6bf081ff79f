// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/idempotency"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
)

// DefaultWorkQueue is consumed by Serve when no work queue is configured
const DefaultWorkQueue = "relay.work"

// Client provides the main entry point for mmate-relay. It owns the
// dispatcher used for outbound work and replies, the action router for the
// work queue, and the subscriber hosts that feed them.
type Client struct {
	transport  messaging.Transport
	dispatcher *messaging.Dispatcher
	router     *messaging.Router
	subscriber *messaging.Subscriber
	replies    *messaging.Subscriber
	workQueue  string
	logger     *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	workQueue      string
	guard          *idempotency.Guard
	metrics        messaging.MetricsCollector
	breaker        *reliability.CircuitBreaker
	handlerTimeout time.Duration
	maxConcurrency int
	prefetch       int
	consumerName   string
	middleware     []messaging.MiddlewareFunc
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithWorkQueue sets the queue Serve consumes
func WithWorkQueue(queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.workQueue = queue
	}
}

// WithIdempotencyGuard enables duplicate suppression in the router
func WithIdempotencyGuard(guard *idempotency.Guard) ClientOption {
	return func(cfg *clientConfig) {
		cfg.guard = guard
	}
}

// WithMetrics sets the collector shared by the dispatcher, router and invokers
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithCircuitBreaker guards outbound publishes
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = cb
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlerTimeout = timeout
	}
}

// WithMaxConcurrency bounds in-flight deliveries per consumed queue
func WithMaxConcurrency(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxConcurrency = n
	}
}

// WithPrefetch sets the broker prefetch
func WithPrefetch(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetch = n
	}
}

// WithConsumerName sets the durable consumer or group name
func WithConsumerName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.consumerName = name
	}
}

// WithMiddleware wraps every routed handler invocation
func WithMiddleware(middleware ...messaging.MiddlewareFunc) ClientOption {
	return func(cfg *clientConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// NewClient wires a client on top of an already constructed transport.
// The transport is connected by the caller or by Connect.
func NewClient(transport messaging.Transport, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:         slog.Default(),
		workQueue:      DefaultWorkQueue,
		metrics:        messaging.NoopMetrics(),
		maxConcurrency: messaging.DefaultMaxConcurrency,
	}
	for _, opt := range options {
		opt(cfg)
	}

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithDispatcherMetrics(cfg.metrics),
	}
	if cfg.breaker != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithCircuitBreaker(cfg.breaker))
	}
	dispatcher := messaging.NewDispatcher(transport.Publisher(), dispatcherOpts...)

	routerOpts := []messaging.RouterOption{
		messaging.WithRouterLogger(cfg.logger),
		messaging.WithReplyDispatcher(dispatcher),
		messaging.WithRouterMetrics(cfg.metrics),
		messaging.WithMiddleware(cfg.middleware...),
	}
	if cfg.guard != nil {
		routerOpts = append(routerOpts, messaging.WithIdempotencyGuard(cfg.guard))
	}
	if cfg.handlerTimeout > 0 {
		routerOpts = append(routerOpts, messaging.WithHandlerTimeout(cfg.handlerTimeout))
	}

	subscriberOpts := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(cfg.logger),
		messaging.WithMaxConcurrency(cfg.maxConcurrency),
		messaging.WithPrefetch(cfg.prefetch),
		messaging.WithConsumerName(cfg.consumerName),
	}

	return &Client{
		transport:  transport,
		dispatcher: dispatcher,
		router:     messaging.NewRouter(routerOpts...),
		subscriber: messaging.NewSubscriber(transport.Subscriber(), subscriberOpts...),
		replies:    messaging.NewSubscriber(transport.Subscriber(), subscriberOpts...),
		workQueue:  cfg.workQueue,
		logger:     cfg.logger,
	}
}

// Connect connects the underlying transport
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	return nil
}

// Dispatcher returns the outbound dispatcher
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Router returns the action router handlers are registered on
func (c *Client) Router() *messaging.Router {
	return c.router
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// WorkQueue returns the queue Serve consumes
func (c *Client) WorkQueue() string {
	return c.workQueue
}

// Send publishes env to queue through the dispatcher
func (c *Client) Send(ctx context.Context, queue string, env *contracts.Envelope, options ...messaging.SendOption) error {
	return c.dispatcher.Send(ctx, queue, env, options...)
}

// SendAction builds an envelope for action and payload and publishes it
func (c *Client) SendAction(ctx context.Context, queue string, action contracts.Action, payload any, options ...messaging.SendOption) (*contracts.Envelope, error) {
	return c.dispatcher.SendAction(ctx, queue, action, payload, options...)
}

// Serve declares the work queue and routes its deliveries until ctx is
// cancelled
func (c *Client) Serve(ctx context.Context) error {
	if err := c.declare(ctx, c.workQueue); err != nil {
		return err
	}
	c.logger.Info("serving work queue",
		"queue", c.workQueue,
		"actions", c.router.Actions(),
	)
	return c.subscriber.Run(ctx, c.workQueue, c.router)
}

// ServeReplies declares queue and hands its deliveries to handler, usually
// an Invoker, until ctx is cancelled
func (c *Client) ServeReplies(ctx context.Context, queue string, handler messaging.DeliveryHandler) error {
	if err := c.declare(ctx, queue); err != nil {
		return err
	}
	return c.replies.Run(ctx, queue, handler)
}

func (c *Client) declare(ctx context.Context, queue string) error {
	if err := c.transport.DeclareQueue(ctx, queue, messaging.DefaultQueueOptions()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

// Close closes the transport
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}
