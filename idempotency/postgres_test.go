package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresStore(mock)
	store.now = func() time.Time { return now }
	return store, mock, now
}

func TestPostgresStoreTryCreatePending(t *testing.T) {
	ctx := context.Background()

	t.Run("should win when the row is inserted", func(t *testing.T) {
		store, mock, now := newMockStore(t)

		mock.ExpectExec(`INSERT INTO idempotency_records \(key,status,created_at,expires_at\) VALUES \(\$1,\$2,\$3,\$4\) ON CONFLICT \(key\) DO UPDATE`).
			WithArgs("req-1", "pending", now, now.Add(time.Hour)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		won, err := store.TryCreatePending(ctx, "req-1", time.Hour)

		require.NoError(t, err)
		assert.True(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should lose when a live record exists", func(t *testing.T) {
		store, mock, _ := newMockStore(t)

		mock.ExpectExec(`INSERT INTO idempotency_records`).
			WithArgs("req-1", "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		won, err := store.TryCreatePending(ctx, "req-1", time.Hour)

		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("should surface database errors", func(t *testing.T) {
		store, mock, _ := newMockStore(t)

		mock.ExpectExec(`INSERT INTO idempotency_records`).
			WillReturnError(assert.AnError)

		_, err := store.TryCreatePending(ctx, "req-1", time.Hour)

		require.Error(t, err)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("should reject an empty key without touching the database", func(t *testing.T) {
		store, mock, _ := newMockStore(t)

		_, err := store.TryCreatePending(ctx, "", time.Hour)

		assert.ErrorIs(t, err, ErrEmptyKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("should mark a pending record completed", func(t *testing.T) {
		store, mock, now := newMockStore(t)

		mock.ExpectExec(`UPDATE idempotency_records SET status = \$1, expires_at = \$2 WHERE key = \$3 AND status = \$4 AND expires_at > \$5`).
			WithArgs("completed", now.Add(24*time.Hour), "req-1", "pending", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.MarkCompleted(ctx, "req-1", 24*time.Hour))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should mark a pending record failed", func(t *testing.T) {
		store, mock, now := newMockStore(t)

		mock.ExpectExec(`UPDATE idempotency_records SET status = \$1 WHERE`).
			WithArgs("failed", "req-1", "pending", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.MarkFailed(ctx, "req-1"))
	})

	t.Run("should report a missing pending record", func(t *testing.T) {
		store, mock, _ := newMockStore(t)

		mock.ExpectExec(`UPDATE idempotency_records`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		assert.ErrorIs(t, store.MarkCompleted(ctx, "req-1", time.Hour), ErrNoPendingRecord)
	})
}

func TestPostgresStoreGet(t *testing.T) {
	ctx := context.Background()
	columns := []string{"key", "status", "created_at", "expires_at"}

	t.Run("should return a live record", func(t *testing.T) {
		store, mock, now := newMockStore(t)

		mock.ExpectQuery(`SELECT key, status, created_at, expires_at FROM idempotency_records WHERE key = \$1`).
			WithArgs("req-1").
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow("req-1", "completed", now.Add(-time.Minute), now.Add(time.Hour)))

		rec, err := store.Get(ctx, "req-1")

		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.Equal(t, now.Add(time.Hour), rec.ExpiresAt)
	})

	t.Run("should treat an expired record as absent", func(t *testing.T) {
		store, mock, now := newMockStore(t)

		mock.ExpectQuery(`SELECT key, status, created_at, expires_at FROM idempotency_records`).
			WithArgs("req-1").
			WillReturnRows(pgxmock.NewRows(columns).
				AddRow("req-1", "completed", now.Add(-2*time.Hour), now.Add(-time.Hour)))

		rec, err := store.Get(ctx, "req-1")

		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("should return nil when no row exists", func(t *testing.T) {
		store, mock, _ := newMockStore(t)

		mock.ExpectQuery(`SELECT key, status, created_at, expires_at FROM idempotency_records`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		rec, err := store.Get(ctx, "missing")

		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestPostgresStorePurgeExpired(t *testing.T) {
	store, mock, now := newMockStore(t)

	mock.ExpectExec(`DELETE FROM idempotency_records WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := store.PurgeExpired(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
