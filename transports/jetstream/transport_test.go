package jetstream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/glimte/mmate-relay/messaging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*nats.Msg
	opts     [][]jetstream.PublishOpt
	err      error
}

func (p *fakePublisher) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.messages = append(p.messages, msg)
	p.opts = append(p.opts, opts)
	return &jetstream.PubAck{Stream: defaultStream}, nil
}

// fakeMsg overrides the acknowledgment calls a delivery makes
type fakeMsg struct {
	jetstream.Msg
	data    []byte
	headers nats.Header
	calls   []string
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }
func (m *fakeMsg) Ack() error           { m.calls = append(m.calls, "ack"); return nil }
func (m *fakeMsg) Nak() error           { m.calls = append(m.calls, "nak"); return nil }
func (m *fakeMsg) Term() error          { m.calls = append(m.calls, "term"); return nil }
func (m *fakeMsg) InProgress() error    { m.calls = append(m.calls, "inProgress"); return nil }

func newTestTransport() (*Transport, *fakePublisher) {
	pub := &fakePublisher{}
	t := NewTransport("nats://localhost:4222", WithSubjectPrefix("test"))
	t.publisher = pub
	return t, pub
}

func TestPublish(t *testing.T) {
	t.Run("publishes on the prefixed subject with a de-duplication id", func(t *testing.T) {
		tr, pub := newTestTransport()

		err := tr.Publish(context.Background(), "work", []byte(`{}`), map[string]string{
			messaging.HeaderMessageID: "m1",
			"x-reply-queue":           "replies",
		})
		require.NoError(t, err)

		require.Len(t, pub.messages, 1)
		msg := pub.messages[0]
		assert.Equal(t, "test.work", msg.Subject)
		assert.Equal(t, "replies", msg.Header.Get("x-reply-queue"))
		assert.Len(t, pub.opts[0], 1)
	})

	t.Run("skips the de-duplication id without a message id", func(t *testing.T) {
		tr, pub := newTestTransport()
		require.NoError(t, tr.Publish(context.Background(), "work", []byte(`{}`), nil))
		assert.Empty(t, pub.opts[0])
	})

	t.Run("fails before connecting", func(t *testing.T) {
		tr := NewTransport("nats://localhost:4222")
		err := tr.Publish(context.Background(), "work", nil, nil)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, tr.IsConnected())
	})

	t.Run("wraps server errors", func(t *testing.T) {
		tr, pub := newTestTransport()
		pub.err = errors.New("no responders")
		err := tr.Publish(context.Background(), "work", nil, nil)
		assert.ErrorContains(t, err, "failed to publish to work")
	})
}

func TestDelivery(t *testing.T) {
	newMsg := func() *fakeMsg {
		return &fakeMsg{
			data: []byte(`{"action":"ping"}`),
			headers: nats.Header{
				messaging.HeaderMessageID: []string{"m1"},
				"x-action":                []string{"ping"},
			},
		}
	}

	t.Run("maps settlement onto JetStream acks", func(t *testing.T) {
		tr, _ := newTestTransport()

		msg := newMsg()
		d := &delivery{transport: tr, queue: "work", msg: msg}
		require.NoError(t, d.Acknowledge())
		require.NoError(t, d.Reject(true))
		require.NoError(t, d.ExtendLease(context.Background()))

		assert.Equal(t, []string{"ack", "nak", "inProgress"}, msg.calls)
	})

	t.Run("exposes the first value of each header", func(t *testing.T) {
		tr, _ := newTestTransport()
		d := &delivery{transport: tr, queue: "work", msg: newMsg()}
		assert.Equal(t, map[string]string{messaging.HeaderMessageID: "m1", "x-action": "ping"}, d.Headers())
	})

	t.Run("dead-letters with the reason and terminates", func(t *testing.T) {
		tr, pub := newTestTransport()

		msg := newMsg()
		d := &delivery{transport: tr, queue: "work", msg: msg}
		require.NoError(t, d.DeadLetter(errors.New("unknown action")))

		require.Len(t, pub.messages, 1)
		out := pub.messages[0]
		assert.Equal(t, "test.work.dlq", out.Subject)
		assert.Equal(t, "unknown action", out.Header.Get(headerError))
		assert.NotEmpty(t, out.Header.Get(headerFailedAt))
		assert.Equal(t, "m1", out.Header.Get(headerOriginalMessageID))
		assert.Empty(t, out.Header.Get(messaging.HeaderMessageID))
		assert.Equal(t, []string{"term"}, msg.calls)
	})

	t.Run("keeps the message when the dead-letter publish fails", func(t *testing.T) {
		tr, pub := newTestTransport()
		pub.err = errors.New("timeout")

		msg := newMsg()
		d := &delivery{transport: tr, queue: "work", msg: msg}
		assert.Error(t, d.Reject(false))
		assert.Empty(t, msg.calls)
	})
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "tasks_work", durableName("tasks.work"))
	assert.Equal(t, "a_b_c", durableName("a*b>c"))
}
