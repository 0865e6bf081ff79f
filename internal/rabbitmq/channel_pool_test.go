package rabbitmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPool(t *testing.T) {
	t.Run("requires a connection manager", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects a non-positive size", func(t *testing.T) {
		_, err := NewChannelPool(NewConnectionManager("amqp://localhost/"), WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("releases the slot when the connection is down", func(t *testing.T) {
		pool, err := NewChannelPool(NewConnectionManager("amqp://localhost/"), WithMaxSize(1))
		require.NoError(t, err)

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("refuses gets after close", func(t *testing.T) {
		pool, err := NewChannelPool(NewConnectionManager("amqp://localhost/"))
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrChannelPoolClosed)

		err = pool.Execute(context.Background(), nil)
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
	})
}
