package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_UpDown(t *testing.T) {
	db, err := OpenDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	m := NewMigrator(db)
	require.NoError(t, m.Initialize())

	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, m.Up())
	// applying twice is a no-op
	require.NoError(t, m.Up())

	v, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "sync_records", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='sync_records'`).Scan(&name))

	require.NoError(t, m.Down())
	v, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='sync_records'`).Scan(&name)
	assert.Error(t, err)

	assert.Error(t, m.Down())
}

func TestMigrator_detectsModifiedMigration(t *testing.T) {
	db, err := OpenDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	m := NewMigrator(db)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	_, err = db.Exec(`UPDATE schema_migrations SET checksum = ? WHERE version = 1`,
		"0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Error(t, m.Up())
}
