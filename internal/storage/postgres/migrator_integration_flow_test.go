package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	assertStatus := func(step string, wantVersion int64, wantCount int) {
		t.Helper()
		version, count, err := store.MigrationStatus(ctx)
		require.NoError(t, err, step)
		assert.Equal(t, wantVersion, version, step)
		assert.Equal(t, wantCount, count, step)
	}

	require.NoError(t, store.MigrateDown(ctx, 100), "reset")
	assertStatus("after reset", 0, 0)

	require.NoError(t, store.MigrateUp(ctx, 1))
	assertStatus("after one step", 1, 1)

	require.NoError(t, store.MigrateUp(ctx, 0))
	assertStatus("after up all", 2, 2)

	require.NoError(t, store.MigrateUp(ctx, 0), "up must be idempotent")
	assertStatus("after repeated up", 2, 2)

	require.NoError(t, store.MigrateDown(ctx, 0), "zero steps rolls back one migration")
	assertStatus("after default down", 1, 1)

	require.NoError(t, store.MigrateDown(ctx, 1))
	assertStatus("after full rollback", 0, 0)

	require.NoError(t, store.MigrateDown(ctx, 1), "down on empty journal is a no-op")
	require.NoError(t, store.EnsureSchema(ctx))
	assertStatus("after ensure schema", 2, 2)
}

func TestMigrator_Guards(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.ErrorIs(t, nilStore.MigrateUp(ctx, 0), errStoreNotInitialized)
	assert.ErrorIs(t, nilStore.MigrateDown(ctx, 1), errStoreNotInitialized)
	_, _, err := nilStore.MigrationStatus(ctx)
	assert.ErrorIs(t, err, errStoreNotInitialized)
	_, err = nilStore.Migrations(ctx)
	assert.ErrorIs(t, err, errStoreNotInitialized)

	store := openRawPostgresStoreForIntegrationTest(t)
	assert.ErrorContains(t, store.migrate(ctx, migrationDirection("sideways"), 0), "unsupported migration direction")
}

func TestMigrator_InfoAndDriftDetection(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0))

	infos, err := store.Migrations(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.True(t, info.Applied, "migration %d must be applied", info.Version)
		assert.False(t, info.AppliedAt.IsZero())
	}

	_, err = store.DB().ExecContext(ctx, `UPDATE group_schema_migrations SET checksum = 'edited' WHERE version = 1`)
	require.NoError(t, err)
	t.Cleanup(func() {
		embedded, err := loadMigrationsFromFS(migrationsFS)
		if err != nil {
			return
		}
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE group_schema_migrations SET checksum = $1 WHERE version = 1`, embedded[0].Checksum)
	})

	assert.ErrorIs(t, store.MigrateUp(ctx, 0), ErrMigrationDrift)
}
