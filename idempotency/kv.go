package idempotency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KeyValue is the subset of jetstream.KeyValue the store needs
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// KVStore keeps records in a NATS JetStream key-value bucket.
// Create and revision-checked Update give the atomic transitions.
type KVStore struct {
	kv  KeyValue
	now func() time.Time
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a store over an existing bucket
func NewKVStore(kv KeyValue) *KVStore {
	return &KVStore{
		kv:  kv,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateBucket creates or updates the bucket backing a KVStore.
// maxAge bounds how long any record is retained.
func CreateBucket(ctx context.Context, js jetstream.JetStream, bucket string, maxAge time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "idempotency records",
		TTL:         maxAge,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create idempotency bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// KV keys are restricted to [-/_=.a-zA-Z0-9]
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// TryCreatePending implements Store
func (s *KVStore) TryCreatePending(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	now := s.now()
	data, err := json.Marshal(Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency record: %w", err)
	}

	_, err = s.kv.Create(ctx, kvKey(key), data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}

	entry, rec, err := s.load(ctx, key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		// deleted between Create and Get; the next delivery will retry the claim
		return false, nil
	}
	if !rec.claimable(now) {
		return false, nil
	}

	if _, err := s.kv.Update(ctx, kvKey(key), data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("take over idempotency key: %w", err)
	}
	return true, nil
}

// MarkCompleted implements Store
func (s *KVStore) MarkCompleted(ctx context.Context, key string, ttl time.Duration) error {
	return s.transition(ctx, key, StatusCompleted, ttl)
}

// MarkFailed implements Store
func (s *KVStore) MarkFailed(ctx context.Context, key string) error {
	return s.transition(ctx, key, StatusFailed, 0)
}

func (s *KVStore) transition(ctx context.Context, key string, to Status, ttl time.Duration) error {
	entry, rec, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	now := s.now()
	if entry == nil || rec.Status != StatusPending || rec.Expired(now) {
		return ErrNoPendingRecord
	}

	rec.Status = to
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	if _, err := s.kv.Update(ctx, kvKey(key), data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrNoPendingRecord
		}
		return fmt.Errorf("mark idempotency key %s: %w", to, err)
	}
	return nil
}

// Get implements Store
func (s *KVStore) Get(ctx context.Context, key string) (*Record, error) {
	entry, rec, err := s.load(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *KVStore) load(ctx context.Context, key string) (jetstream.KeyValueEntry, Record, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, Record{}, nil
	}
	if err != nil {
		return nil, Record{}, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return entry, rec, nil
}
