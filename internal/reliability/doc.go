// Package reliability protects outbound publishing.
//
// The circuit breaker fails fast while the broker is unhealthy. It never
// re-runs the wrapped call: callers own their retry policy, so one Send
// results in at most one publish attempt.
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithCooldown(30 * time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    return publisher.Publish(ctx, queue, body, headers)
//	})
package reliability
