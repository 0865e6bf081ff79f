package messaging

import (
	"context"
	"errors"
)

// ErrNoLease is returned by ExtendLease outside of a routed handler
var ErrNoLease = errors.New("no delivery lease in context")

// Lease extends the broker's processing lease for the current delivery
type Lease func(ctx context.Context) error

type leaseKey struct{}

func withLease(ctx context.Context, lease Lease) context.Context {
	return context.WithValue(ctx, leaseKey{}, lease)
}

// ExtendLease asks the broker for more time on the delivery being handled.
// Handlers may call it any number of times; the router never calls it itself.
func ExtendLease(ctx context.Context) error {
	lease, ok := ctx.Value(leaseKey{}).(Lease)
	if !ok {
		return ErrNoLease
	}
	return lease(ctx)
}
