package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerError    = "error"
	headerFailedAt = "failed_at"

	headerOriginalMessageID = "x-original-message-id"
)

var errRejected = errors.New("rejected without requeue")

type delivery struct {
	transport *Transport
	queue     string
	msg       jetstream.Msg
}

func (d *delivery) Body() []byte {
	return d.msg.Data()
}

func (d *delivery) Headers() map[string]string {
	headers := make(map[string]string, len(d.msg.Headers()))
	for k, v := range d.msg.Headers() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

func (d *delivery) Acknowledge() error {
	return d.msg.Ack()
}

// Reject naks the message for redelivery, or dead-letters it
func (d *delivery) Reject(requeue bool) error {
	if requeue {
		return d.msg.Nak()
	}
	return d.DeadLetter(errRejected)
}

// DeadLetter copies the message to the queue's dead-letter subject and
// terminates it so the server stops redelivering
func (d *delivery) DeadLetter(reason error) error {
	headers := d.Headers()
	headers[headerError] = reason.Error()
	headers[headerFailedAt] = time.Now().UTC().Format(time.RFC3339)

	// Without a de-duplication id, so the duplicate window keeps the copy.
	if id, ok := headers[messaging.HeaderMessageID]; ok {
		headers[headerOriginalMessageID] = id
		delete(headers, messaging.HeaderMessageID)
	}

	dlq := messaging.DeadLetterQueue(d.queue)

	d.transport.mu.Lock()
	pub := d.transport.publisher
	d.transport.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := d.transport.message(d.transport.subject(dlq), d.msg.Data(), headers)
	if _, err := pub.PublishMsg(ctx, msg); err != nil {
		d.transport.logger.Error("failed to publish to DLQ",
			"queue", dlq,
			"error", err,
			"originalError", reason,
		)
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}

	d.transport.logger.Warn("message sent to DLQ", "queue", dlq, "error", reason)
	return d.msg.Term()
}

// ExtendLease resets the server's ack-wait timer
func (d *delivery) ExtendLease(context.Context) error {
	return d.msg.InProgress()
}
