package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/correlation"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

type fakeReader struct {
	messages  chan kafka.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		messages: make(chan kafka.Message, 16),
		closed:   make(chan struct{}),
	}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-r.closed:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var offsets []int64
	for _, m := range r.committed {
		offsets = append(offsets, m.Offset)
	}
	return offsets
}

func newTestTransport(t *testing.T) (*Transport, *fakeWriter, *fakeReader) {
	t.Helper()

	tr, err := NewTransport([]string{"localhost:9092"})
	require.NoError(t, err)

	w := &fakeWriter{}
	r := newFakeReader()
	tr.writer = w
	tr.newReader = func(string, string) messageReader { return r }
	tr.fetchBackoff = time.Millisecond
	return tr, w, r
}

func subscribe(t *testing.T, tr *Transport, topic string) <-chan messaging.TransportDelivery {
	t.Helper()

	deliveries := make(chan messaging.TransportDelivery, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	err := tr.Subscribe(ctx, topic, func(d messaging.TransportDelivery) error {
		deliveries <- d
		return nil
	}, messaging.SubscriptionOptions{})
	require.NoError(t, err)
	return deliveries
}

func receive(t *testing.T, deliveries <-chan messaging.TransportDelivery) messaging.TransportDelivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestNewTransport(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := NewTransport(nil)
		assert.ErrorIs(t, err, ErrNoBrokers)
	})

	t.Run("starts disconnected", func(t *testing.T) {
		tr, err := NewTransport([]string{"localhost:9092"}, WithGroupID("g"), WithPartitions(6))
		require.NoError(t, err)
		assert.False(t, tr.IsConnected())
		assert.Equal(t, "g", tr.groupID)
		assert.Equal(t, 6, tr.partitions)
	})
}

func TestPublish(t *testing.T) {
	tr, w, _ := newTestTransport(t)

	t.Run("keys by correlation id and carries metadata as headers", func(t *testing.T) {
		headers := map[string]string{
			messaging.HeaderMessageID: "m1",
			correlation.MetadataKey:   "c1",
		}
		require.NoError(t, tr.Publish(context.Background(), "work", []byte(`{}`), headers))

		msgs := w.written()
		require.Len(t, msgs, 1)
		assert.Equal(t, "work", msgs[0].Topic)
		assert.Equal(t, []byte("c1"), msgs[0].Key)
		assert.Equal(t, headers, fromKafkaHeaders(msgs[0].Headers))
	})

	t.Run("falls back to the message id as key", func(t *testing.T) {
		assert.Equal(t, []byte("m2"), partitionKey(map[string]string{messaging.HeaderMessageID: "m2"}))
		assert.Nil(t, partitionKey(nil))
	})

	t.Run("returns writer errors", func(t *testing.T) {
		w.fail(errors.New("broker down"))
		defer w.fail(nil)

		err := tr.Publish(context.Background(), "work", []byte(`{}`), nil)
		assert.EqualError(t, err, "broker down")
	})
}

func TestSubscription(t *testing.T) {
	t.Run("acknowledge commits the offset", func(t *testing.T) {
		tr, _, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 7, Value: []byte(`{}`),
			Headers: []kafka.Header{{Key: "x-action", Value: []byte("ping")}}}

		d := receive(t, deliveries)
		assert.Equal(t, "ping", d.Headers()["x-action"])
		require.NoError(t, d.Acknowledge())
		assert.Equal(t, []int64{7}, r.commits())

		assert.ErrorIs(t, d.Acknowledge(), ErrAlreadySettled)
	})

	t.Run("requeue republishes with a redelivery count", func(t *testing.T) {
		tr, w, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 1, Value: []byte(`{"a":1}`),
			Headers: []kafka.Header{{Key: HeaderRedeliveryCount, Value: []byte("2")}}}

		require.NoError(t, receive(t, deliveries).Reject(true))

		msgs := w.written()
		require.Len(t, msgs, 1)
		assert.Equal(t, "work", msgs[0].Topic)
		assert.Equal(t, "3", fromKafkaHeaders(msgs[0].Headers)[HeaderRedeliveryCount])
		assert.Equal(t, []int64{1}, r.commits())
	})

	t.Run("dead-letter records the reason on the dlq topic", func(t *testing.T) {
		tr, w, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 3, Value: []byte(`bad`)}

		d := receive(t, deliveries)
		require.NoError(t, d.(messaging.DeadLetterer).DeadLetter(errors.New("unknown action")))

		msgs := w.written()
		require.Len(t, msgs, 1)
		assert.Equal(t, "work.dlq", msgs[0].Topic)
		headers := fromKafkaHeaders(msgs[0].Headers)
		assert.Equal(t, "unknown action", headers["error"])
		assert.Equal(t, "work", headers[HeaderOriginalTopic])
		assert.NotEmpty(t, headers["failed_at"])
		assert.Equal(t, []int64{3}, r.commits())
	})

	t.Run("a failed forward is retried until the offset commits", func(t *testing.T) {
		tr, w, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 4}
		d := receive(t, deliveries)

		w.fail(errors.New("broker down"))
		assert.Error(t, d.Reject(false))
		assert.ErrorIs(t, d.Acknowledge(), ErrAlreadySettled)
		assert.Empty(t, r.commits())

		w.fail(nil)
		require.Eventually(t, func() bool {
			return len(r.commits()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []int64{4}, r.commits())
		require.Len(t, w.written(), 1)
		assert.Equal(t, "work.dlq", w.written()[0].Topic)
	})

	t.Run("later offsets commit once a stuck forward succeeds", func(t *testing.T) {
		tr, w, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 4}
		r.messages <- kafka.Message{Topic: "work", Offset: 5}
		first := receive(t, deliveries)
		second := receive(t, deliveries)

		w.fail(errors.New("broker down"))
		assert.Error(t, first.Reject(true))
		require.NoError(t, second.Acknowledge())
		assert.Empty(t, r.commits())

		w.fail(nil)
		require.Eventually(t, func() bool {
			return len(r.commits()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []int64{5}, r.commits())
	})

	t.Run("unsubscribe abandons a stuck forward without committing", func(t *testing.T) {
		tr, w, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 4}
		d := receive(t, deliveries)

		w.fail(errors.New("broker down"))
		assert.Error(t, d.Reject(true))

		require.NoError(t, tr.Unsubscribe("work"))
		assert.Empty(t, r.commits())
		assert.Empty(t, w.written())
	})

	t.Run("lease extension is unsupported", func(t *testing.T) {
		tr, _, r := newTestTransport(t)
		deliveries := subscribe(t, tr, "work")

		r.messages <- kafka.Message{Topic: "work", Offset: 0}
		assert.ErrorIs(t, receive(t, deliveries).ExtendLease(context.Background()), messaging.ErrLeaseUnsupported)
	})

	t.Run("one subscription per topic", func(t *testing.T) {
		tr, _, _ := newTestTransport(t)
		subscribe(t, tr, "work")

		err := tr.Subscribe(context.Background(), "work", func(messaging.TransportDelivery) error { return nil }, messaging.SubscriptionOptions{})
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	})

	t.Run("unsubscribe closes the reader", func(t *testing.T) {
		tr, _, r := newTestTransport(t)
		subscribe(t, tr, "work")

		require.NoError(t, tr.Unsubscribe("work"))
		select {
		case <-r.closed:
		default:
			t.Fatal("reader not closed")
		}
	})
}

func TestOffsetTracker(t *testing.T) {
	t.Run("commits only the settled prefix", func(t *testing.T) {
		ot := newOffsetTracker()
		for _, off := range []int64{10, 11, 12} {
			ot.track("work", 0, off)
		}

		_, ok := ot.settle("work", 0, 12)
		assert.False(t, ok)

		_, ok = ot.settle("work", 0, 11)
		assert.False(t, ok)

		off, ok := ot.settle("work", 0, 10)
		assert.True(t, ok)
		assert.Equal(t, int64(12), off)
		assert.Equal(t, 0, ot.inFlight())
	})

	t.Run("keeps partitions independent", func(t *testing.T) {
		ot := newOffsetTracker()
		ot.track("work", 0, 5)
		ot.track("work", 1, 5)

		off, ok := ot.settle("work", 1, 5)
		assert.True(t, ok)
		assert.Equal(t, int64(5), off)
		assert.Equal(t, 1, ot.inFlight())
	})

	t.Run("ignores unknown partitions", func(t *testing.T) {
		_, ok := newOffsetTracker().settle("work", 0, 1)
		assert.False(t, ok)
	})
}
