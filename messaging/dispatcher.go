package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/correlation"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/routing"
)

// Transport metadata keys set on every outbound message.
const (
	HeaderMessageID = "x-message-id"
	HeaderAction    = "x-action"
)

// Dispatcher publishes envelopes, attaching the ambient reply address.
// It makes one publish attempt per Send and never retries.
type Dispatcher struct {
	publisher TransportPublisher
	breaker   *reliability.CircuitBreaker
	metrics   MetricsCollector
	logger    *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithCircuitBreaker makes Send fail fast while the broker keeps failing
func WithCircuitBreaker(cb *reliability.CircuitBreaker) DispatcherOption {
	return func(d *Dispatcher) {
		d.breaker = cb
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// NewDispatcher creates a new outbound dispatcher
func NewDispatcher(publisher TransportPublisher, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		metrics:   NoopMetrics(),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// SendOptions configures a single Send
type SendOptions struct {
	Metadata map[string]string
}

// SendOption configures send behavior
type SendOption func(*SendOptions)

// WithMetadata sets explicit per-call metadata. Explicit keys override
// ambient ones, including the reply address.
func WithMetadata(metadata map[string]string) SendOption {
	return func(opts *SendOptions) {
		if opts.Metadata == nil {
			opts.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			opts.Metadata[k] = v
		}
	}
}

// Send publishes env to queue
func (d *Dispatcher) Send(ctx context.Context, queue string, env *contracts.Envelope, options ...SendOption) error {
	if queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	var opts SendOptions
	for _, opt := range options {
		opt(&opts)
	}

	body, err := env.Encode()
	if err != nil {
		return err
	}

	headers := d.metadata(ctx, env, opts.Metadata)

	publish := func() error {
		return d.publisher.Publish(ctx, queue, body, headers)
	}
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}
	d.metrics.RecordPublish(queue, env.Action.String(), err)

	if err != nil {
		d.logger.ErrorContext(ctx, "failed to dispatch message",
			"queue", queue,
			"action", env.Action,
			"messageId", env.ID,
			"error", err,
		)
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	d.logger.DebugContext(ctx, "message dispatched",
		"queue", queue,
		"action", env.Action,
		"messageId", env.ID,
		"replyQueue", headers[routing.HeaderReplyQueue],
	)
	return nil
}

// SendAction builds an envelope for action and payload, then sends it
func (d *Dispatcher) SendAction(ctx context.Context, queue string, action contracts.Action, payload any, options ...SendOption) (*contracts.Envelope, error) {
	var envOpts []contracts.EnvelopeOption
	if id := correlation.FromContext(ctx); id != "" {
		envOpts = append(envOpts, contracts.WithMetadataField(contracts.MetadataCorrelationID, id))
	}

	env, err := contracts.NewEnvelope(action, payload, envOpts...)
	if err != nil {
		return nil, err
	}
	if err := d.Send(ctx, queue, env, options...); err != nil {
		return nil, err
	}
	return env, nil
}

// metadata merges, lowest precedence first: envelope identity, correlation,
// the ambient reply address, explicit per-call metadata.
func (d *Dispatcher) metadata(ctx context.Context, env *contracts.Envelope, explicit map[string]string) map[string]string {
	headers := map[string]string{
		HeaderMessageID: env.ID,
		HeaderAction:    env.Action.String(),
	}

	if id := correlation.FromContext(ctx); id != "" {
		headers[correlation.MetadataKey] = id
	} else if id := env.CorrelationID(); id != "" {
		headers[correlation.MetadataKey] = id
	}

	if h, ok := routing.FromContext(ctx); ok {
		for k, v := range h.Metadata() {
			headers[k] = v
		}
	}

	for k, v := range explicit {
		headers[k] = v
	}

	return headers
}
