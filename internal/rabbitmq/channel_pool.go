package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out confirm-mode channels for publishing and topology
// work. A channel that errors is closed instead of being returned.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *amqp.Channel
	maxSize  int

	mu     sync.Mutex
	open   int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of pooled channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a lazily filled channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 8,
	}
	for _, opt := range options {
		opt(pool)
	}
	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *amqp.Channel, pool.maxSize)
	return pool, nil
}

// Get takes a live channel from the pool, opening one if there is room,
// otherwise waiting until one is returned
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.forget()
				continue
			}
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		if cp.open < cp.maxSize {
			cp.open++
			cp.mu.Unlock()

			ch, err := cp.openChannel()
			if err != nil {
				cp.forget()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.forget()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (cp *ChannelPool) openChannel() (*amqp.Channel, error) {
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

// Put returns a channel. Pass a non-nil err to discard it instead.
func (cp *ChannelPool) Put(ch *amqp.Channel, err error) {
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if err != nil || closed || ch.IsClosed() {
		ch.Close()
		cp.forget()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		ch.Close()
		cp.forget()
	}
}

func (cp *ChannelPool) forget() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.open > 0 {
		cp.open--
	}
}

// Execute runs fn on a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(ch)
	cp.Put(ch, err)
	return err
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes every idle channel and rejects further Gets
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			ch.Close()
			cp.forget()
		default:
			return nil
		}
	}
}
