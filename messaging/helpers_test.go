package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/idempotency"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	queue   string
	body    []byte
	headers map[string]string
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{queue: queue, body: body, headers: headers})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) sent() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

type fakeDelivery struct {
	body     []byte
	headers  map[string]string
	leaseErr error

	mu       sync.Mutex
	acked    bool
	rejected bool
	requeued bool
	leases   int
}

func (d *fakeDelivery) Body() []byte               { return d.body }
func (d *fakeDelivery) Headers() map[string]string { return d.headers }

func (d *fakeDelivery) Acknowledge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) ExtendLease(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leaseErr != nil {
		return d.leaseErr
	}
	d.leases++
	return nil
}

func newDelivery(t *testing.T, env *contracts.Envelope, headers map[string]string) *fakeDelivery {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	return &fakeDelivery{body: body, headers: headers}
}

func newEnvelope(t *testing.T, action contracts.Action, payload any, options ...contracts.EnvelopeOption) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(action, payload, options...)
	require.NoError(t, err)
	return env
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) TryCreatePending(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) MarkCompleted(ctx context.Context, key string, ttl time.Duration) error {
	args := m.Called(ctx, key, ttl)
	return args.Error(0)
}

func (m *mockStore) MarkFailed(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	args := m.Called(ctx, key)
	if rec := args.Get(0); rec != nil {
		return rec.(*idempotency.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) RecordProcessed(component, action string, outcome Outcome, duration time.Duration) {
	m.Called(component, action, outcome, duration)
}

func (m *mockMetrics) RecordPublish(queue, action string, err error) {
	m.Called(queue, action, err)
}

func (m *mockMetrics) RecordLeaseExtension(action string, err error) {
	m.Called(action, err)
}

type taskUpdate struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

type sentences struct {
	Items []string `json:"items"`
}
