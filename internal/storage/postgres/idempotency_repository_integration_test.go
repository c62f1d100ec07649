package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

func TestIdempotencyRepository_PostgresCreateGetAndMarkDone(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIdempotencyTest(t), nil)

	key := "alice:create-1"
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(key, "req-hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone(key, []byte(`{"success":true}`), 201))

	got, err := repo.Get(key)
	require.NoError(t, err)
	require.Equal(t, "req-hash-1", got.RequestHash)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Equal(t, 201, got.HTTPStatus)
	require.JSONEq(t, `{"success":true}`, string(got.ResponseBody))
	require.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)
}

func TestIdempotencyRepository_PostgresConflictAndHashMismatch(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIdempotencyTest(t), nil)

	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing("alice:conflict", "req-hash-a", ttl)
	require.NoError(t, err)

	_, err = repo.CreateProcessing("alice:conflict", "req-hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	_, err = repo.CreateProcessing("alice:conflict", "req-hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_PostgresExpiredKeyIsReused(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIdempotencyTest(t), nil)

	now := time.Now().UTC()
	_, err := repo.CreateProcessing("alice:stale", "old-hash", now.Add(-time.Minute))
	require.NoError(t, err)

	record, err := repo.CreateProcessing("alice:stale", "new-hash", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "new-hash", record.RequestHash)

	got, err := repo.Get("alice:stale")
	require.NoError(t, err)
	require.Equal(t, "new-hash", got.RequestHash)
	require.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIdempotencyTest(t), nil)

	now := time.Now().UTC()
	for i, key := range []string{"expired-1", "expired-2", "expired-3"} {
		_, err := repo.CreateProcessing(key, "h", now.Add(-time.Duration(5-i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing("active-1", "h", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get("active-1")
	require.NoError(t, err)
	_, err = repo.Get("expired-1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func openPostgresStoreForIdempotencyTest(t *testing.T) *Store {
	t.Helper()

	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := store.DB().ExecContext(ctx, `TRUNCATE TABLE idempotency_keys`)
	require.NoError(t, err)

	return store
}
