package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
	// DeadLetterQueue, when set, receives messages rejected without requeue
	DeadLetterQueue string
}

// TopologyManager declares queues through a channel pool
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareQueue declares q, and its dead-letter queue first when configured.
// Dead-lettering goes through the default exchange, so no extra exchange or
// binding is needed.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, q QueueDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		args := amqp.Table{}
		for k, v := range q.Arguments {
			args[k] = v
		}

		if q.DeadLetterQueue != "" {
			if _, err := ch.QueueDeclare(q.DeadLetterQueue, q.Durable, false, false, false, nil); err != nil {
				return topologyError("declare", q.DeadLetterQueue, err)
			}
			args["x-dead-letter-exchange"] = ""
			args["x-dead-letter-routing-key"] = q.DeadLetterQueue
		}

		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, false, false, args); err != nil {
			return topologyError("declare", q.Name, err)
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return topologyError("delete", name, err)
		}
		return nil
	})
}

// QueueDepth returns the number of ready messages in a queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return topologyError("inspect", name, err)
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

func topologyError(op, name string, err error) error {
	return &TopologyError{
		Component: "queue",
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
