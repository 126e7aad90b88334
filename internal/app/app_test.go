package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRemote serves a tiny /tasks collection.
func newRemote(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			posts.Add(1)
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["id"] = "srv-1"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(body)
		case r.Method == http.MethodGet && r.URL.Path == "/tasks":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []interface{}{map[string]interface{}{"id": "r1", "title": "remote"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &posts
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Remote.BaseURL = baseURL
	cfg.Storage.Driver = config.DriverMemory
	cfg.Connectivity.Mode = config.ModeStatic
	cfg.Sync.AutoSync = false
	cfg.Models = []config.ModelConfig{{Type: "Task", Endpoint: "/tasks"}}
	return cfg
}

func TestBuild_endToEnd(t *testing.T) {
	srv, posts := newRemote(t)
	cfg := testConfig(srv.URL)
	cfg.Metrics.Enabled = true
	ctx := context.Background()

	a, err := Build(ctx, cfg, Options{})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Static)
	require.NotNil(t, a.Metrics)

	task := models.NewRecord("Task", "/tasks", nil)
	task.Set("title", "write docs")

	// offline: kept locally
	a.Static.SetConnected(false)
	res := a.Engine.SyncItem(ctx, task)
	assert.Equal(t, sync.StatusConnectionError, res.Status())
	assert.Equal(t, 1, a.Engine.CurrentStatus().PendingChanges)

	// back online: the sweep pushes it
	a.Static.SetConnected(true)
	res = a.Engine.SyncAllPending(ctx)
	assert.Equal(t, sync.StatusSuccess, res.Status())
	assert.Equal(t, int32(1), posts.Load())
	assert.Zero(t, a.Engine.CurrentStatus().PendingChanges)

	res = a.Engine.PullFromServer(ctx, "Task", nil)
	assert.Equal(t, sync.StatusSuccess, res.Status())
	all, err := a.Storage.GetAll(ctx, "Task")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	families, err := a.Metrics.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["offlinesync_results_total"])
}

func TestBuild_probeMode(t *testing.T) {
	srv, _ := newRemote(t)
	cfg := testConfig(srv.URL)
	cfg.Connectivity.Mode = config.ModeProbe
	cfg.Connectivity.ProbeInterval = time.Hour

	a, err := Build(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Static)
	assert.True(t, a.Engine.CurrentStatus().IsConnected)
}

func TestOpenStorage(t *testing.T) {
	reg := NewRegistry([]config.ModelConfig{{Type: "Task", Endpoint: "/tasks"}})
	assert.Equal(t, []string{"Task"}, reg.Types())

	for _, driver := range []string{config.DriverMemory, config.DriverSQLite, config.DriverBadger} {
		t.Run(driver, func(t *testing.T) {
			store, err := OpenStorage(config.StorageConfig{Driver: driver, Path: t.TempDir()}, reg)
			require.NoError(t, err)
			require.NoError(t, store.Initialize(context.Background()))
			assert.NoError(t, store.Close())
		})
	}

	_, err := OpenStorage(config.StorageConfig{Driver: "mysql"}, reg)
	assert.Error(t, err)
}
