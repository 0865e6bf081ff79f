package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// MemoryOption configures the MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty store
func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// TryCreatePending implements Store
func (s *MemoryStore) TryCreatePending(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && !rec.claimable(now) {
		return false, nil
	}

	s.records[key] = Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

// MarkCompleted implements Store
func (s *MemoryStore) MarkCompleted(_ context.Context, key string, ttl time.Duration) error {
	return s.transition(key, StatusCompleted, ttl)
}

// MarkFailed implements Store
func (s *MemoryStore) MarkFailed(_ context.Context, key string) error {
	return s.transition(key, StatusFailed, 0)
}

// transition moves a live pending record to status. A positive ttl restarts
// the record's lifetime.
func (s *MemoryStore) transition(key string, to Status, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if !ok || rec.Status != StatusPending || rec.Expired(now) {
		return ErrNoPendingRecord
	}

	rec.Status = to
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	s.records[key] = rec
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Len returns the number of stored records, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
