//go:build integration
// +build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestTransportIntegration(t *testing.T) {
	ctx := context.Background()

	container, err := tckafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	suffix := uuid.New().String()[:8]
	topic := "it-work-" + suffix

	tr, err := NewTransport(brokers, WithGroupID("it-group-"+suffix), WithPartitions(1))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.DeclareQueue(ctx, topic, messaging.DefaultQueueOptions()))

	t.Run("redelivers after requeue and dead-letters on fatal", func(t *testing.T) {
		router := messaging.NewRouter()
		attempts := make(chan struct{}, 4)
		require.NoError(t, messaging.Register(router, contracts.ActionNotifyUser,
			func(ctx context.Context, in map[string]string) error {
				attempts <- struct{}{}
				if len(attempts) == 1 {
					return contracts.Retryable(assert.AnError)
				}
				return contracts.Fatal(assert.AnError)
			}))

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = messaging.NewSubscriber(tr.Subscriber()).Run(runCtx, topic, router) }()

		dispatcher := messaging.NewDispatcher(tr.Publisher())
		_, err := dispatcher.SendAction(ctx, topic, contracts.ActionNotifyUser, map[string]string{"user": "u1"})
		require.NoError(t, err)

		dead := make(chan messaging.TransportDelivery, 1)
		require.NoError(t, tr.Subscribe(runCtx, messaging.DeadLetterQueue(topic), func(d messaging.TransportDelivery) error {
			dead <- d
			return d.Acknowledge()
		}, messaging.SubscriptionOptions{ConsumerName: "it-dlq-" + suffix}))

		select {
		case d := <-dead:
			assert.Equal(t, "1", d.Headers()[HeaderRedeliveryCount])
			assert.Contains(t, d.Headers()["error"], assert.AnError.Error())
		case <-time.After(60 * time.Second):
			t.Fatal("message never reached the dead-letter topic")
		}
		assert.Len(t, attempts, 2)
	})
}
