package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoPendingRecord is returned when a transition expects a live pending record
	ErrNoPendingRecord = errors.New("idempotency: no pending record for key")
	// ErrEmptyKey is returned for blank keys
	ErrEmptyKey = errors.New("idempotency: key cannot be empty")
)

// Status is the lifecycle state of a record
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the ledger entry for one idempotency key
type Record struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the record counts as absent at now
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// claimable reports whether a new pending record may replace r
func (r Record) claimable(now time.Time) bool {
	return r.Expired(now) || r.Status == StatusFailed
}

// Store is a keyed ledger with atomic create-if-absent semantics.
//
// Expired records are treated as absent by every method. A failed record may
// be claimed again; a live completed record never is.
type Store interface {
	// TryCreatePending inserts a pending record living for ttl unless a
	// live, non-failed record exists. Exactly one concurrent caller wins.
	TryCreatePending(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// MarkCompleted moves a pending record to completed and keeps it for ttl
	MarkCompleted(ctx context.Context, key string, ttl time.Duration) error

	// MarkFailed moves a pending record to failed, releasing the claim
	MarkFailed(ctx context.Context, key string) error

	// Get returns the live record for key, or nil
	Get(ctx context.Context, key string) (*Record, error)
}
