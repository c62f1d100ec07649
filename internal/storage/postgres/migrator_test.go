package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys["sql/migrations/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestLoadMigrationsFromFS(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationFS(map[string]string{
		"0002_seats.up.sql":   "ALTER TABLE trips ADD COLUMN seats INT;",
		"0002_seats.down.sql": "ALTER TABLE trips DROP COLUMN seats;",
		"0001_trips.up.sql":   "CREATE TABLE trips (id INT);",
		"0001_trips.down.sql": "DROP TABLE IF EXISTS trips;",
	}))
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, int64(1), migrations[0].Version)
	assert.Equal(t, "trips", migrations[0].Name)
	assert.Equal(t, "0002_seats", migrations[1].label())
	assert.Len(t, migrations[0].Checksum, 64)
	assert.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)
}

func TestLoadMigrationsFromFS_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]string{
		"missing down":  {"0001_trips.up.sql": "CREATE TABLE trips (id INT);"},
		"bad file name": {"trips.sql": "SELECT 1;"},
		"zero version":  {"0000_trips.up.sql": "SELECT 1;", "0000_trips.down.sql": "SELECT 1;"},
		"empty body":    {"0001_trips.up.sql": "  \n", "0001_trips.down.sql": "DROP TABLE trips;"},
		"name mismatch": {"0001_trips.up.sql": "SELECT 1;", "0001_tours.down.sql": "SELECT 1;"},
	}
	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := loadMigrationsFromFS(migrationFS(files))
			assert.Error(t, err)
		})
	}

	_, err := loadMigrationsFromFS(fstest.MapFS{})
	assert.EqualError(t, err, "no migration files found")
}

func TestLoadMigrationsFromFS_Embedded(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Contains(t, migrations[0].UpSQL, "CREATE TABLE IF NOT EXISTS groups")
	assert.Contains(t, migrations[1].UpSQL, "outbox_messages")
}

func TestPlanUpAndDown(t *testing.T) {
	t.Parallel()

	embedded := []migration{
		{Version: 1, Name: "a", Checksum: "c1"},
		{Version: 2, Name: "b", Checksum: "c2"},
		{Version: 3, Name: "c", Checksum: "c3"},
	}
	applied := map[int64]appliedMigration{1: {Version: 1, Checksum: "c1"}}

	up := planUp(embedded, applied, 0)
	require.Len(t, up, 2)
	assert.Equal(t, int64(2), up[0].Version)
	assert.Len(t, planUp(embedded, applied, 1), 1)

	applied[2] = appliedMigration{Version: 2, Checksum: "c2"}
	down, err := planDown(embedded, applied, 1)
	require.NoError(t, err)
	require.Len(t, down, 1)
	assert.Equal(t, int64(2), down[0].Version, "rollback starts from the latest version")

	down, err = planDown(embedded, applied, 10)
	require.NoError(t, err)
	assert.Len(t, down, 2)

	applied[9] = appliedMigration{Version: 9}
	_, err = planDown(embedded, applied, 1)
	assert.ErrorContains(t, err, "unknown migration version 9")
}

func TestVerifyChecksums(t *testing.T) {
	t.Parallel()

	embedded := []migration{{Version: 1, Name: "groups", Checksum: "abc"}}

	assert.NoError(t, verifyChecksums(embedded, map[int64]appliedMigration{}))
	assert.NoError(t, verifyChecksums(embedded, map[int64]appliedMigration{1: {Checksum: "abc"}}))

	err := verifyChecksums(embedded, map[int64]appliedMigration{1: {Checksum: "edited"}})
	assert.ErrorIs(t, err, ErrMigrationDrift)
	assert.ErrorContains(t, err, "0001_groups")
}
