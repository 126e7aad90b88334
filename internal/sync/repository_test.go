package sync

import (
	"context"
	"net/http"
	"testing"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage/memory"
	"github.com/kimhsiao/offlinesync/internal/storage/storagetest"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(client transport.Client, policy conflict.ResolutionStrategy) (*Repository, *memory.Store) {
	store := memory.New()
	return NewRepository(client, store, storagetest.Registry(), conflict.NewResolver(policy)), store
}

func TestExtractList(t *testing.T) {
	list := []interface{}{map[string]interface{}{"id": "1"}}
	tests := []struct {
		name string
		data interface{}
		key  string
		want int
	}{
		{"bare array", list, "", 1},
		{"data key", map[string]interface{}{"data": list}, "", 1},
		{"results key", map[string]interface{}{"results": list}, "", 1},
		{"type key", map[string]interface{}{"task": list}, "", 1},
		{"plural type key", map[string]interface{}{"tasks": list}, "", 1},
		{"configured key", map[string]interface{}{"payload": list}, "payload", 1},
		{"unknown key", map[string]interface{}{"payload": list}, "", 0},
		{"scalar", "nope", "", 0},
		{"nil", nil, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, extractList(tt.data, "Task", tt.key), tt.want)
		})
	}
}

func TestRepository_CreateItemAdoptsEcho(t *testing.T) {
	client := newFakeClient()
	client.handle(func(c call) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusCreated, Data: map[string]interface{}{
			"data": map[string]interface{}{"id": float64(42), "title": "server title"},
		}}, nil
	})
	repo, _ := newTestRepository(client, "")
	item := newTask("local title")

	synced, err := repo.CreateItem(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, "42", synced.ID())
	assert.Equal(t, item.LocalID(), synced.LocalID())
	assert.True(t, synced.IsSynced())
	assert.Equal(t, "server title", synced.(*models.Record).Fields["title"])
	// the input is untouched
	assert.Empty(t, item.ID())
	assert.False(t, item.IsSynced())
}

func TestRepository_CreateItemUnregisteredType(t *testing.T) {
	client := newFakeClient()
	repo, _ := newTestRepository(client, "")
	item := models.NewRecord("Widget", "/widgets", nil)
	item.Set("size", 3)

	synced, err := repo.CreateItem(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, "srv-1", synced.ID())
	assert.Equal(t, "Widget", synced.ModelType())
}

func TestRepository_CreateItemRemoteError(t *testing.T) {
	client := newFakeClient()
	client.handle(func(c call) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusUnprocessableEntity}, nil
	})
	repo, _ := newTestRepository(client, "")

	_, err := repo.CreateItem(context.Background(), newTask("x"))

	assert.True(t, apperrors.Is(err, apperrors.ErrRemote))
}

func TestRepository_requestConfigOverride(t *testing.T) {
	client := newFakeClient()
	repo, _ := newTestRepository(client, "")
	item := editedTask("t1", "x")
	cfg := &models.RequestConfig{Path: "/v2/tasks/t1", Headers: map[string]string{"X-Trace": "1"}}
	item.SetRequestConfig(models.MethodPut, cfg)

	_, err := repo.UpdateItem(context.Background(), item)

	require.NoError(t, err)
	require.Len(t, client.Calls(), 1)
	assert.Equal(t, cfg, client.Calls()[0].Config)
}

func TestRepository_DeleteItem(t *testing.T) {
	client := newFakeClient()
	repo, _ := newTestRepository(client, "")
	ctx := context.Background()

	client.handle(func(c call) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusNotFound}, nil
	})
	assert.NoError(t, repo.DeleteItem(ctx, syncedTask("t1", "x")))

	client.handle(func(c call) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusConflict}, nil
	})
	assert.Error(t, repo.DeleteItem(ctx, syncedTask("t1", "x")))

	err := repo.DeleteItem(ctx, newTask("no id"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRepository_FetchItems(t *testing.T) {
	client := newFakeClient()
	client.handle(func(c call) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, Data: []interface{}{
			map[string]interface{}{"id": "a", "title": "one"},
			"not an object",
			map[string]interface{}{"id": "b", "title": "two"},
		}}, nil
	})
	repo, _ := newTestRepository(client, "")

	items, err := repo.FetchItems(context.Background(), "Task", FetchParams{Limit: 10, Offset: 20})

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].IsSynced())
	assert.Equal(t, map[string]string{"limit": "10", "offset": "20"}, client.Calls()[0].Query)
	assert.Equal(t, "/tasks", client.Calls()[0].Path)
}

func TestRepository_FetchItemsFactoryMissing(t *testing.T) {
	client := newFakeClient()
	repo, _ := newTestRepository(client, "")

	_, err := repo.FetchItems(context.Background(), "Widget", FetchParams{})

	assert.True(t, apperrors.Is(err, apperrors.ErrFactoryMissing))
	assert.Empty(t, client.Calls())
}

func TestRepository_MergeRemote(t *testing.T) {
	tests := []struct {
		policy    conflict.ResolutionStrategy
		wantTitle string
		wantSync  bool
	}{
		{conflict.ResolutionStrategyServerWins, "remote", true},
		{conflict.ResolutionStrategyClientWins, "local", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			repo, store := newTestRepository(newFakeClient(), tt.policy)
			ctx := context.Background()
			local := editedTask("t1", "local")
			require.NoError(t, store.Save(ctx, local))

			remote := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": "remote"})
			remote.SetID("t1")
			n, err := repo.MergeRemote(ctx, []models.SyncModel{remote})
			require.NoError(t, err)

			got, err := store.Get(ctx, "t1", "Task")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, got.(*models.Record).Fields["title"])
			assert.Equal(t, tt.wantSync, got.IsSynced())
			assert.Equal(t, local.LocalID(), got.LocalID())
			if tt.wantSync {
				assert.Equal(t, 1, n)
			} else {
				assert.Zero(t, n)
			}
		})
	}
}

func TestRepository_SyncDeltaWithoutID(t *testing.T) {
	client := newFakeClient()
	repo, _ := newTestRepository(client, "")
	item := newTask("x")

	res := repo.SyncDelta(context.Background(), item, item.ChangedFields(), nil)

	assert.Equal(t, StatusFailed, res.Status())
	assert.Empty(t, client.Calls())
}
