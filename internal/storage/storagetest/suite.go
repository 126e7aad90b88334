// Package storagetest provides a conformance suite for storage.Service implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Registry returns a registry with the Task and Note record types used by the suite.
func Registry() *models.Registry {
	reg := models.NewRegistry()
	reg.Register("Task", "/tasks", models.RecordFactory("Task", "/tasks"))
	reg.Register("Note", "/notes", models.RecordFactory("Note", "/notes"))
	return reg
}

func task(id, title string, priority float64, synced bool) *models.Record {
	r := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": title, "priority": priority})
	r.SetID(id)
	if synced {
		r.Base().MarkSynced()
	} else {
		r.Base().SetField("title", title)
	}
	return r
}

func fields(t *testing.T, m models.SyncModel) map[string]interface{} {
	t.Helper()
	r, ok := m.(*models.Record)
	require.True(t, ok, "expected *models.Record, got %T", m)
	return r.Fields
}

// Run exercises the storage.Service contract. newStore must return an empty,
// initialized store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Service) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		item := task("", "write", 1, false)
		require.NoError(t, s.Save(ctx, item))

		got, err := s.Get(ctx, item.LocalID(), "Task")
		require.NoError(t, err)
		assert.Equal(t, item.LocalID(), got.LocalID())
		assert.Equal(t, "", got.ID())
		assert.Equal(t, "Task", got.ModelType())
		assert.Equal(t, "/tasks", got.Endpoint())
		assert.False(t, got.IsSynced())
		assert.Equal(t, item.ChangedFields().ToMap(), got.ChangedFields().ToMap())
		assert.Equal(t, item.ChangedFields().Fields(), got.ChangedFields().Fields())
		assert.True(t, item.CreatedAt().Equal(got.CreatedAt()))
		assert.True(t, item.UpdatedAt().Equal(got.UpdatedAt()))
		assert.Equal(t, fields(t, item), fields(t, got))

		synced := task("t1", "read", 2, true)
		require.NoError(t, s.Save(ctx, synced))
		got, err = s.Get(ctx, "t1", "Task")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.ID())
		assert.True(t, got.IsSynced())
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope", "Task")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("PendingTracking", func(t *testing.T) {
		s := newStore(t)
		pending := task("", "a", 1, false)
		synced := task("t2", "b", 2, true)
		deleted := models.MarkForDeletion(task("t3", "c", 3, true))
		note := models.NewRecord("Note", "/notes", map[string]interface{}{"body": "n"})
		require.NoError(t, s.SaveAll(ctx, []models.SyncModel{pending, synced, deleted, note}))

		got, err := s.GetPending(ctx, "Task")
		require.NoError(t, err)
		assert.Len(t, got, 2)

		all, err := s.GetAll(ctx, "Task")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err := s.GetPendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, s.MarkAsSynced(ctx, pending.LocalID(), "Task"))
		n, err = s.GetPendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("MarkSyncFailed", func(t *testing.T) {
		s := newStore(t)
		item := task("t4", "x", 1, false)
		require.NoError(t, s.Save(ctx, item))
		require.NoError(t, s.MarkSyncFailed(ctx, "t4", "Task", "status 500"))
		require.NoError(t, s.MarkSyncFailed(ctx, "t4", "Task", "status 502"))

		got, err := s.Get(ctx, "t4", "Task")
		require.NoError(t, err)
		assert.Equal(t, "status 502", got.SyncError())
		assert.Equal(t, 2, got.SyncAttempts())
		assert.False(t, got.IsSynced())

		assert.True(t, storage.IsNotFound(s.MarkAsSynced(ctx, "missing", "Task")))
	})

	t.Run("UpsertByRemoteID", func(t *testing.T) {
		s := newStore(t)
		local := task("t5", "old", 1, true)
		require.NoError(t, s.Save(ctx, local))

		remote := task("t5", "new", 1, true)
		require.NotEqual(t, local.LocalID(), remote.LocalID())
		require.NoError(t, s.Save(ctx, remote))

		all, err := s.GetAll(ctx, "Task")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, local.LocalID(), all[0].LocalID())
		assert.Equal(t, "new", fields(t, all[0])["title"])
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		item := task("t6", "x", 1, true)
		assert.True(t, storage.IsNotFound(s.Update(ctx, item)))

		require.NoError(t, s.Save(ctx, item))
		item.Set("title", "y")
		require.NoError(t, s.Update(ctx, item))
		got, err := s.Get(ctx, "t6", "Task")
		require.NoError(t, err)
		assert.Equal(t, "y", fields(t, got)["title"])
		assert.False(t, got.IsSynced())
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		a := task("t7", "a", 1, true)
		b := task("", "b", 1, false)
		require.NoError(t, s.SaveAll(ctx, []models.SyncModel{a, b}))

		require.NoError(t, s.Delete(ctx, "t7", "Task"))
		require.NoError(t, s.DeleteModel(ctx, b))
		require.NoError(t, s.Delete(ctx, "never-existed", "Task"))

		all, err := s.GetAll(ctx, "Task")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("Query", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveAll(ctx, []models.SyncModel{
			task("q1", "alpha", 3, true),
			task("q2", "beta", 1, true),
			task("q3", "alpha", 2, true),
			task("q4", "gamma", 4, true),
		}))

		got, err := s.GetItems(ctx, "Task", storage.QueryFromFilter(map[string]interface{}{
			"title":      "alpha",
			"orderBy":    "priority",
			"descending": false,
		}))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "q3", got[0].ID())
		assert.Equal(t, "q1", got[1].ID())

		got, err = s.GetItems(ctx, "Task", storage.Query{OrderBy: "priority", Descending: true, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "q1", got[0].ID())
		assert.Equal(t, "q3", got[1].ID())

		got, err = s.GetItems(ctx, "Task", storage.Query{Conditions: []storage.Condition{{Field: "id", Value: "q2"}}})
		require.NoError(t, err)
		require.Len(t, got, 1)

		_, err = s.GetItems(ctx, "Task", storage.Query{OrderBy: "priority; DROP TABLE"})
		assert.Error(t, err)
	})

	t.Run("LastSyncTime", func(t *testing.T) {
		s := newStore(t)
		ts, err := s.GetLastSyncTime(ctx)
		require.NoError(t, err)
		assert.True(t, ts.IsZero())

		now := time.Date(2026, 3, 4, 5, 6, 7, 8000, time.UTC)
		require.NoError(t, s.SetLastSyncTime(ctx, now))
		ts, err = s.GetLastSyncTime(ctx)
		require.NoError(t, err)
		assert.True(t, now.Equal(ts), "got %v", ts)
	})

	t.Run("ClearAll", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, task("", "a", 1, false)))
		require.NoError(t, s.SetLastSyncTime(ctx, time.Now()))
		require.NoError(t, s.ClearAll(ctx))

		n, err := s.GetPendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		ts, err := s.GetLastSyncTime(ctx)
		require.NoError(t, err)
		assert.True(t, ts.IsZero())
	})
}
