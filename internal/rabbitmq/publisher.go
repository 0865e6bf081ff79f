package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends persistent messages to queues through the default
// exchange and waits for the broker confirm. It makes exactly one attempt.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to queue and returns once the broker acknowledged it
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok && p.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	fail := func(err error) error {
		return &PublishError{
			Queue:     queue,
			MessageID: msg.MessageId,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		p.pool.Put(ch, err)
		return fail(fmt.Errorf("failed to publish: %w", err))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		// The confirm may still arrive; the channel cannot be reused safely.
		p.pool.Put(ch, err)
		return fail(err)
	}
	p.pool.Put(ch, nil)

	if !acked {
		return fail(ErrPublishNacked)
	}
	return nil
}

// HeadersTable converts string metadata to AMQP headers
func HeadersTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

// StringHeaders converts AMQP headers to string metadata, dropping values
// that are not strings or byte slices
func StringHeaders(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch s := v.(type) {
		case string:
			headers[k] = s
		case []byte:
			headers[k] = string(s)
		}
	}
	return headers
}
