package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordsTable = "idempotency_records"

// claimConflict lets a new pending record replace an expired or failed one.
// The WHERE clause keeps the upsert a no-op for live records, so RowsAffected
// tells the caller whether it won.
const claimConflict = "ON CONFLICT (key) DO UPDATE SET " +
	"status = EXCLUDED.status, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at " +
	"WHERE " + recordsTable + ".expires_at <= EXCLUDED.created_at OR " + recordsTable + ".status = 'failed'"

// Executor is the subset of pgxpool.Pool the store needs
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps records in PostgreSQL
type PostgresStore struct {
	db      Executor
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over an existing pool
func NewPostgresStore(db Executor) *PostgresStore {
	return &PostgresStore{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewPool opens a pgx pool for dsn
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// TryCreatePending implements Store
func (s *PostgresStore) TryCreatePending(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	now := s.now()
	query, args, err := s.builder.Insert(recordsTable).
		Columns("key", "status", "created_at", "expires_at").
		Values(key, string(StatusPending), now, now.Add(ttl)).
		Suffix(claimConflict).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build claim query: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted implements Store
func (s *PostgresStore) MarkCompleted(ctx context.Context, key string, ttl time.Duration) error {
	return s.transition(ctx, key, StatusCompleted, ttl)
}

// MarkFailed implements Store
func (s *PostgresStore) MarkFailed(ctx context.Context, key string) error {
	return s.transition(ctx, key, StatusFailed, 0)
}

func (s *PostgresStore) transition(ctx context.Context, key string, to Status, ttl time.Duration) error {
	now := s.now()
	update := s.builder.Update(recordsTable).
		Set("status", string(to))
	if ttl > 0 {
		update = update.Set("expires_at", now.Add(ttl))
	}

	query, args, err := update.
		Where(squirrel.Eq{"key": key, "status": string(StatusPending)}).
		Where(squirrel.Gt{"expires_at": now}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoPendingRecord
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	query, args, err := s.builder.Select("key", "status", "created_at", "expires_at").
		From(recordsTable).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	var rec Record
	var status string
	err = s.db.QueryRow(ctx, query, args...).Scan(&rec.Key, &status, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	rec.Status = Status(status)
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// PurgeExpired deletes records whose expiry has passed
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	query, args, err := s.builder.Delete(recordsTable).
		Where(squirrel.LtOrEq{"expires_at": s.now()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge query: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks database reachability
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
