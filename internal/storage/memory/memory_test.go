package memory

import (
	"context"
	"testing"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/kimhsiao/offlinesync/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Service {
		return New()
	})
}

// TestStore_cloneIsolation verifies callers cannot mutate stored records.
func TestStore_cloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	item := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "a"})
	require.NoError(t, s.Save(ctx, item))

	item.Set("title", "mutated")
	got, err := s.Get(ctx, item.LocalID(), "Task")
	require.NoError(t, err)
	assert.Equal(t, "a", got.(*models.Record).Fields["title"])

	got.Base().MarkSynced()
	again, err := s.Get(ctx, item.LocalID(), "Task")
	require.NoError(t, err)
	assert.False(t, again.IsSynced())
}

// TestStore_saveGetEqual verifies the save/get round trip yields an equal value.
func TestStore_saveGetEqual(t *testing.T) {
	ctx := context.Background()
	s := New()
	item := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "a"})
	item.SetID("t1")
	require.NoError(t, s.Save(ctx, item))

	got, err := s.Get(ctx, "t1", "Task")
	require.NoError(t, err)
	assert.Equal(t, models.SyncModel(item), got)
}
