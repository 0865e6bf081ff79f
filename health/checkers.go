package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/messaging"
)

// Pinger is implemented by transports and stores that can probe their backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector reports the number of ready messages in a queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, name string) (int, error)
}

func newResult(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}, start
}

// TransportChecker checks the broker connection
type TransportChecker struct {
	name      string
	transport messaging.Transport
}

// NewTransportChecker creates a transport checker. Transports that also
// implement Pinger are probed with a round trip.
func NewTransportChecker(name string, transport messaging.Transport) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	if !c.transport.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Transport is not connected"
		result.Duration = time.Since(start)
		return result
	}

	if p, ok := c.transport.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "Broker did not answer"
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue is reachable and not backed up
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker; a depth above threshold is degraded
func NewQueueChecker(queue string, inspector QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	depth, err := c.inspector.QueueDepth(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = depth
	if c.threshold > 0 && depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	return result
}

// StoreChecker checks the idempotency store backend
type StoreChecker struct {
	name  string
	store Pinger
}

// NewStoreChecker creates a store checker
func NewStoreChecker(name string, store Pinger) *StoreChecker {
	return &StoreChecker{name: name, store: store}
}

func (c *StoreChecker) Name() string {
	return c.name
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	err := c.store.Ping(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Store is unreachable"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Store is reachable"
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BreakerChecker reports an open publish circuit as degraded
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a circuit breaker checker
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuit_" + c.breaker.Name()
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	state := c.breaker.State()
	result.Details["state"] = state.String()
	result.Duration = time.Since(start)

	if state == reliability.StateClosed {
		result.Status = StatusHealthy
		result.Message = "Circuit is closed"
		return result
	}
	result.Status = StatusDegraded
	result.Message = fmt.Sprintf("Circuit is %s", state)
	return result
}

// MemoryChecker checks goroutine count and heap use
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewMemoryChecker creates a memory checker
func NewMemoryChecker(warnGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}
