// Package kafka binds the messaging transport interfaces to Apache Kafka.
//
// Queues map to topics. Deliveries are committed through a per-partition
// tracker so an offset is only committed once every earlier offset on the
// same partition was settled. Kafka cannot requeue in place: Reject(true)
// republishes the message to its topic with an incremented
// x-redelivery-count, and dead-lettering publishes to <topic>.dlq.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-relay/correlation"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/segmentio/kafka-go"
)

var (
	ErrNoBrokers         = errors.New("kafka transport: no brokers configured")
	ErrNotConnected      = errors.New("kafka transport: not connected")
	ErrAlreadySubscribed = errors.New("kafka transport: topic already has a subscription")
	ErrAlreadySettled    = errors.New("kafka transport: delivery already settled")
)

const (
	defaultPartitions    = 3
	defaultCommitTimeout = 10 * time.Second
	defaultFetchBackoff  = time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport implements messaging.Transport for Kafka
type Transport struct {
	brokers           []string
	groupID           string
	partitions        int
	replicationFactor int
	commitTimeout     time.Duration
	fetchBackoff      time.Duration
	logger            *slog.Logger

	writer    messageWriter
	newReader func(topic, groupID string) messageReader
	connected atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures the Transport
type Option func(*Transport)

// WithGroupID sets the default consumer group
func WithGroupID(groupID string) Option {
	return func(t *Transport) {
		t.groupID = groupID
	}
}

// WithPartitions sets the partition count used by DeclareQueue
func WithPartitions(n int) Option {
	return func(t *Transport) {
		t.partitions = n
	}
}

// WithReplicationFactor sets the replication factor used by DeclareQueue
func WithReplicationFactor(n int) Option {
	return func(t *Transport) {
		t.replicationFactor = n
	}
}

// WithCommitTimeout bounds offset commits made while settling deliveries
func WithCommitTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.commitTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a Kafka transport. It does not dial; call Connect.
func NewTransport(brokers []string, options ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}

	t := &Transport{
		brokers:           brokers,
		groupID:           "mmate-relay",
		partitions:        defaultPartitions,
		replicationFactor: 1,
		commitTimeout:     defaultCommitTimeout,
		fetchBackoff:      defaultFetchBackoff,
		logger:            slog.Default(),
		subs:              make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(t)
	}

	// Publishing makes a single attempt; redelivery is the consumer's concern.
	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            1,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	t.newReader = func(topic, groupID string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		})
	}
	return t, nil
}

// Publisher returns the transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return t
}

// Subscriber returns the transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return t
}

// Connect checks that at least one broker is reachable
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.Ping(ctx); err != nil {
		return err
	}
	t.connected.Store(true)
	t.logger.Info("connected to Kafka", "brokers", t.brokers)
	return nil
}

// Ping dials the brokers in order and succeeds on the first that answers
func (t *Transport) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range t.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("all brokers unreachable: %w", lastErr)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

// DeclareQueue creates the topic and, when requested, its dead-letter topic
func (t *Transport) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	topics := []kafka.TopicConfig{{
		Topic:             name,
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replicationFactor,
	}}
	if options.DeadLetter {
		topics = append(topics, kafka.TopicConfig{
			Topic:             messaging.DeadLetterQueue(name),
			NumPartitions:     1,
			ReplicationFactor: t.replicationFactor,
		})
	}

	conn, err := kafka.DialContext(ctx, "tcp", t.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}

	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(topics...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	return nil
}

// Publish writes body to topic. Metadata travels as Kafka headers; the
// correlation id, or else the message id, is the partition key.
func (t *Transport) Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     partitionKey(headers),
		Value:   body,
		Headers: toKafkaHeaders(headers),
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		t.logger.Error("failed to publish message",
			"topic", topic,
			"messageId", headers[messaging.HeaderMessageID],
			"error", err,
		)
		return err
	}

	t.logger.Debug("message published",
		"topic", topic,
		"messageId", headers[messaging.HeaderMessageID],
	)
	return nil
}

// Close stops every subscription and closes the writer
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	t.connected.Store(false)
	return t.writer.Close()
}

func partitionKey(headers map[string]string) []byte {
	if id := headers[correlation.MetadataKey]; id != "" {
		return []byte(id)
	}
	if id := headers[messaging.HeaderMessageID]; id != "" {
		return []byte(id)
	}
	return nil
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
