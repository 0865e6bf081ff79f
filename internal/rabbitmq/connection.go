package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat = 10 * time.Second
	dialTimeout      = 30 * time.Second
	maxBackoff       = 2 * time.Minute
)

// ConnectionManager owns the AMQP connection and re-dials it when the broker
// closes it. Channels opened from a dead connection must be reopened by the
// caller; OnReconnect tells them when.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu sync.Mutex
	onReconnect []func()
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries caps reconnection attempts; negative means unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker once and starts watching the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat: defaultHeartbeat,
			Locale:    "en_US",
		})
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closed)
}

func (cm *ConnectionManager) watch(closed <-chan *amqp.Error) {
	select {
	case err, ok := <-closed:
		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		select {
		case <-cm.done:
			return
		default:
		}

		if ok && err != nil {
			cm.logger.Error("connection closed by broker", "error", err)
		}
		cm.reconnect()

	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.maxRetries >= 0 && attempt > cm.maxRetries {
			cm.logger.Error("giving up on RabbitMQ reconnection",
				"error", &ConnectionError{
					Op:        "reconnect",
					URL:       SanitizeURL(cm.url),
					Err:       ErrMaxRetriesExceeded,
					Timestamp: time.Now(),
					Attempts:  attempt - 1,
				},
			)
			return
		}

		select {
		case <-time.After(cm.backoff(attempt)):
		case <-cm.done:
			return
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			conn.Close()
			return
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(start),
		)
		cm.notifyReconnect()
		return
	}
}

// backoff doubles the base delay per attempt, capped, with up to 25% jitter
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = time.Second
	}

	delay := base << min(attempt-1, 16)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay + time.Duration(rand.Int64N(int64(delay)/4+1))
}

// OnReconnect registers fn to run after every successful reconnection
func (cm *ConnectionManager) OnReconnect(fn func()) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.onReconnect = append(cm.onReconnect, fn)
}

func (cm *ConnectionManager) notifyReconnect() {
	cm.listenersMu.Lock()
	listeners := append([]func(){}, cm.onReconnect...)
	cm.listenersMu.Unlock()

	for _, fn := range listeners {
		go fn()
	}
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnection and closes the connection
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.isConnected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}
