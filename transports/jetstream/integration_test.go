//go:build integration
// +build integration

package jetstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/idempotency"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(ctx context.Context, t *testing.T) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"--js"},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestTransportIntegration(t *testing.T) {
	ctx := context.Background()
	url := startNATS(ctx, t)

	tr := NewTransport(url)
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	js, err := tr.JetStream()
	require.NoError(t, err)
	kv, err := idempotency.CreateBucket(ctx, js, "it_idempotency", time.Hour)
	require.NoError(t, err)

	t.Run("runs a duplicated request once with the KV guard", func(t *testing.T) {
		const queue = "it.work"
		require.NoError(t, tr.DeclareQueue(ctx, queue, messaging.DefaultQueueOptions()))

		var runs atomic.Int32
		router := messaging.NewRouter(messaging.WithIdempotencyGuard(idempotency.NewGuard(idempotency.NewKVStore(kv))))
		require.NoError(t, messaging.Register(router, contracts.ActionNotifyUser,
			func(ctx context.Context, in map[string]string) error {
				assert.NoError(t, messaging.ExtendLease(ctx))
				runs.Add(1)
				return nil
			}, messaging.WithIdempotencyKey(contracts.MetadataRequestID)))

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = messaging.NewSubscriber(tr.Subscriber()).Run(runCtx, queue, router) }()

		dispatcher := messaging.NewDispatcher(tr.Publisher())
		for i := 0; i < 3; i++ {
			env, err := contracts.NewEnvelope(contracts.ActionNotifyUser, map[string]string{"user": "u1"},
				contracts.WithMetadataField(contracts.MetadataRequestID, "req-1"))
			require.NoError(t, err)
			require.NoError(t, dispatcher.Send(ctx, queue, env))
		}

		assert.Eventually(t, func() bool { return runs.Load() == 1 }, 10*time.Second, 100*time.Millisecond)
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, int32(1), runs.Load())
	})
}
