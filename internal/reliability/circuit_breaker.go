package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every state transition
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops calling a failing dependency for a cooldown period.
// It never retries the wrapped call.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInUse   int
	lastFailureTime time.Time

	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenRequests int
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets consecutive failures needed to open
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets half-open successes needed to close
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithCooldown sets how long the circuit stays open
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = cooldown
	}
}

// WithHalfOpenRequests sets the max concurrent trial calls while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a transition callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		cooldown:         30 * time.Second,
		halfOpenRequests: 1,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		retryAt := cb.lastFailureTime.Add(cb.cooldown)
		if cb.now().Before(retryAt) {
			return &CircuitBreakerError{
				Name:      cb.name,
				State:     cb.state,
				Failures:  cb.failures,
				NextRetry: retryAt,
			}
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInUse = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenInUse >= cb.halfOpenRequests {
			return &CircuitBreakerError{
				Name:      cb.name,
				State:     cb.state,
				Failures:  cb.failures,
				NextRetry: cb.now().Add(time.Second),
			}
		}
		cb.halfOpenInUse++
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInUse > 0 {
		cb.halfOpenInUse--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to != StateHalfOpen {
		cb.halfOpenInUse = 0
	}
	if cb.onStateChange != nil && from != to {
		go cb.onStateChange(cb.name, from, to)
	}
}

// CircuitBreakerError is returned while the circuit rejects calls
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s: call rejected after %d failures, retry after %s",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}
