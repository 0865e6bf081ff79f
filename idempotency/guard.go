package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultTTL is how long a completed record is kept when neither the
	// guard nor the caller sets one
	DefaultTTL = 24 * time.Hour

	// DefaultClaimTTL is how long a pending claim lives. A claim orphaned by
	// a crashed executor becomes claimable again once it expires.
	DefaultClaimTTL = 10 * time.Minute
)

// ClaimState is the result of a claim attempt
type ClaimState int

const (
	// Claimed means the caller is now the single executor for the key
	Claimed ClaimState = iota
	// AlreadyCompleted means an earlier execution finished
	AlreadyCompleted
	// InFlight means another executor holds a live pending claim
	InFlight
)

func (s ClaimState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case AlreadyCompleted:
		return "completed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Guard decides whether a side-effecting handler may run for a key
type Guard struct {
	store    Store
	ttl      time.Duration
	claimTTL time.Duration
	logger   *slog.Logger
}

// GuardOption configures the Guard
type GuardOption func(*Guard)

// WithTTL sets the default lifetime of completed records
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		g.ttl = ttl
	}
}

// WithClaimTTL sets the lifetime of pending claims. It should exceed the
// longest handler run.
func WithClaimTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		g.claimTTL = ttl
	}
}

// WithGuardLogger sets the logger
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a guard over store
func NewGuard(store Store, options ...GuardOption) *Guard {
	g := &Guard{
		store:    store,
		ttl:      DefaultTTL,
		claimTTL: DefaultClaimTTL,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

// Store returns the underlying store
func (g *Guard) Store() Store {
	return g.store
}

// Completed reports whether key already reached completed. Read only.
func (g *Guard) Completed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	return rec != nil && rec.Status == StatusCompleted, nil
}

// Claim tries to become the single executor for key. On a lost claim the
// record is read again to tell a finished execution from one still running.
func (g *Guard) Claim(ctx context.Context, key string) (ClaimState, error) {
	if key == "" {
		return InFlight, ErrEmptyKey
	}

	won, err := g.store.TryCreatePending(ctx, key, g.claimTTL)
	if err != nil {
		return InFlight, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if won {
		return Claimed, nil
	}

	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return InFlight, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	if rec != nil && rec.Status == StatusCompleted {
		return AlreadyCompleted, nil
	}

	g.logger.DebugContext(ctx, "idempotency key held by another executor", "idempotencyKey", key)
	return InFlight, nil
}

// Complete records success and keeps the record for ttl; zero uses the guard
// default. Call only after the handler's side effects finished.
func (g *Guard) Complete(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.ttl
	}
	if err := g.store.MarkCompleted(ctx, key, ttl); err != nil {
		return fmt.Errorf("failed to mark idempotency key completed: %w", err)
	}
	return nil
}

// Release gives up a claim so a redelivery can run the handler again
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.MarkFailed(ctx, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
