package sqlite

import (
	"context"
	"testing"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/kimhsiao/offlinesync/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), storagetest.Registry())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Service {
		return newTestStore(t)
	})
}

// TestStore_persistsAcrossReopen verifies records survive closing the database.
func TestStore_persistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, storagetest.Registry())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	item := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "keep"})
	require.NoError(t, s.Save(ctx, item))
	require.NoError(t, s.Close())

	s, err = Open(dir, storagetest.Registry())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Initialize(ctx))

	got, err := s.Get(ctx, item.LocalID(), "Task")
	require.NoError(t, err)
	assert.Equal(t, "keep", got.(*models.Record).Fields["title"])
}

// TestStore_boolAndNilConditions verifies JSON booleans and missing fields are queryable.
func TestStore_boolAndNilConditions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	done := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "a", "done": true})
	open := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "b", "done": false})
	bare := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "c"})
	require.NoError(t, s.SaveAll(ctx, []models.SyncModel{done, open, bare}))

	got, err := s.GetItems(ctx, "Task", storage.QueryFromFilter(map[string]interface{}{"done": true}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, done.LocalID(), got[0].LocalID())

	got, err = s.GetItems(ctx, "Task", storage.Query{Conditions: []storage.Condition{{Field: "done", Value: nil}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, bare.LocalID(), got[0].LocalID())

	got, err = s.GetItems(ctx, "Task", storage.Query{Conditions: []storage.Condition{{Field: "is_synced", Value: false}}})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

// TestStore_unregisteredType verifies rows of unknown types fail to decode.
func TestStore_unregisteredType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, models.NewRecord("Ghost", "/ghosts", nil)))

	_, err := s.GetAll(ctx, "Ghost")
	assert.Error(t, err)
}
