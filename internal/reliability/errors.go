package reliability

import "errors"

// ErrCircuitOpen matches every CircuitBreakerError via errors.Is
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
