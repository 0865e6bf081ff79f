package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/messaging"
	"github.com/segmentio/kafka-go"
)

const (
	// HeaderRedeliveryCount counts republishes caused by Reject(true)
	HeaderRedeliveryCount = "x-redelivery-count"
	// HeaderOriginalTopic names the topic a dead-lettered message came from
	HeaderOriginalTopic = "x-original-topic"
	headerError         = "error"
	headerFailedAt      = "failed_at"

	maxForwardBackoff = 30 * time.Second
)

var errRejected = errors.New("rejected without requeue")

type subscription struct {
	topic   string
	reader  messageReader
	offsets *offsetTracker
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// forwards that failed and are being retried in the background
	retries sync.WaitGroup
}

func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

// Subscribe starts a consumer-group reader on topic. The group is
// options.ConsumerName when set, otherwise the transport's group.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler func(messaging.TransportDelivery) error, options messaging.SubscriptionOptions) error {
	groupID := t.groupID
	if options.ConsumerName != "" {
		groupID = options.ConsumerName
	}

	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic:   topic,
		reader:  t.newReader(topic, groupID),
		offsets: newOffsetTracker(),
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.subs[topic] = sub
	t.mu.Unlock()

	go t.consume(subCtx, sub, handler)

	t.logger.Info("consumer started", "topic", topic, "groupId", groupID)
	return nil
}

func (t *Transport) consume(ctx context.Context, sub *subscription, handler func(messaging.TransportDelivery) error) {
	defer func() {
		sub.retries.Wait()
		if err := sub.reader.Close(); err != nil {
			t.logger.Warn("failed to close reader", "topic", sub.topic, "error", err)
		}
		t.mu.Lock()
		if t.subs[sub.topic] == sub {
			delete(t.subs, sub.topic)
		}
		t.mu.Unlock()
		close(sub.done)
		t.logger.Info("consumer stopped", "topic", sub.topic)
	}()

	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.logger.Error("failed to fetch message", "topic", sub.topic, "error", err)
			select {
			case <-time.After(t.fetchBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		t.logger.Debug("message received",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)

		sub.offsets.track(msg.Topic, msg.Partition, msg.Offset)
		d := &delivery{transport: t, sub: sub, msg: msg, headers: fromKafkaHeaders(msg.Headers)}
		if err := handler(d); err != nil {
			t.logger.Warn("delivery handler failed, requeueing",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
			_ = d.Reject(true)
		}
	}
}

// Unsubscribe stops the reader on topic and waits for it to close
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	t.mu.Unlock()

	if ok {
		sub.stop()
	}
	return nil
}

type delivery struct {
	transport *Transport
	sub       *subscription
	msg       kafka.Message
	headers   map[string]string

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte {
	return d.msg.Value
}

func (d *delivery) Headers() map[string]string {
	return d.headers
}

func (d *delivery) claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// Acknowledge commits the offset once every earlier offset settled
func (d *delivery) Acknowledge() error {
	if err := d.claim(); err != nil {
		return err
	}
	return d.commit()
}

// Reject republishes the message to its topic when requeue is set,
// otherwise dead-letters it
func (d *delivery) Reject(requeue bool) error {
	if !requeue {
		return d.DeadLetter(errRejected)
	}
	if err := d.claim(); err != nil {
		return err
	}

	headers := copyHeaders(d.headers)
	count, _ := strconv.Atoi(headers[HeaderRedeliveryCount])
	headers[HeaderRedeliveryCount] = strconv.Itoa(count + 1)

	if err := d.forwardAndCommit(d.msg.Topic, headers); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// DeadLetter publishes the message to <topic>.dlq with the failure reason
func (d *delivery) DeadLetter(reason error) error {
	if err := d.claim(); err != nil {
		return err
	}

	headers := copyHeaders(d.headers)
	headers[headerError] = reason.Error()
	headers[headerFailedAt] = time.Now().UTC().Format(time.RFC3339)
	headers[HeaderOriginalTopic] = d.msg.Topic

	dlq := messaging.DeadLetterQueue(d.msg.Topic)
	if err := d.forwardAndCommit(dlq, headers); err != nil {
		d.transport.logger.Error("failed to publish to DLQ",
			"topic", dlq,
			"error", err,
			"originalError", reason,
		)
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}

	d.transport.logger.Warn("message sent to DLQ", "topic", dlq, "error", reason)
	return nil
}

// ExtendLease is unsupported; Kafka consumers hold partitions, not messages
func (d *delivery) ExtendLease(context.Context) error {
	return messaging.ErrLeaseUnsupported
}

// forwardAndCommit writes the message to topic and then settles its offset.
// A failed write keeps the delivery settled from the caller's side and is
// retried in the background until it succeeds or the subscription stops.
// Until then the offset, and every later one on the partition, stays
// uncommitted, so a restart redelivers the message.
func (d *delivery) forwardAndCommit(topic string, headers map[string]string) error {
	err := d.forward(topic, headers)
	if err == nil {
		return d.commit()
	}

	d.sub.retries.Add(1)
	go d.retryForward(topic, headers, err)
	return err
}

func (d *delivery) retryForward(topic string, headers map[string]string, err error) {
	defer d.sub.retries.Done()

	backoff := d.transport.fetchBackoff
	for attempt := 1; ; attempt++ {
		d.transport.logger.Warn("failed to forward message, retrying",
			"topic", topic,
			"partition", d.msg.Partition,
			"offset", d.msg.Offset,
			"attempt", attempt,
			"inFlight", d.sub.offsets.inFlight(),
			"error", err,
		)

		select {
		case <-d.sub.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err = d.forward(topic, headers); err == nil {
			_ = d.commit()
			return
		}
		backoff = min(backoff*2, maxForwardBackoff)
	}
}

func (d *delivery) forward(topic string, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.transport.commitTimeout)
	defer cancel()

	return d.transport.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Headers: toKafkaHeaders(headers),
	})
}

func (d *delivery) commit() error {
	offset, ok := d.sub.offsets.settle(d.msg.Topic, d.msg.Partition, d.msg.Offset)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.transport.commitTimeout)
	defer cancel()

	err := d.sub.reader.CommitMessages(ctx, kafka.Message{
		Topic:     d.msg.Topic,
		Partition: d.msg.Partition,
		Offset:    offset,
	})
	if err != nil {
		d.transport.logger.Error("failed to commit message",
			"topic", d.msg.Topic,
			"partition", d.msg.Partition,
			"offset", offset,
			"error", err,
		)
		return err
	}
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+3)
	for k, v := range h {
		out[k] = v
	}
	return out
}
