package sync

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/offlinesync/internal/connectivity"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/kimhsiao/offlinesync/internal/storage/memory"
	"github.com/kimhsiao/offlinesync/internal/storage/storagetest"
	"github.com/kimhsiao/offlinesync/internal/transport"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Fake transport
// =====================================================

type call struct {
	Method models.HTTPMethod
	Path   string
	Body   interface{}
	Query  map[string]string
	Config *models.RequestConfig
}

type fakeClient struct {
	mu      gosync.Mutex
	calls   []call
	nextID  int
	handler func(c call) (*transport.Response, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

func (f *fakeClient) handle(h func(c call) (*transport.Response, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeClient) Get(ctx context.Context, path string, query map[string]string, cfg *models.RequestConfig) (*transport.Response, error) {
	return f.Do(ctx, models.MethodGet, path, nil, query, cfg)
}

func (f *fakeClient) Post(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*transport.Response, error) {
	return f.Do(ctx, models.MethodPost, path, body, query, cfg)
}

func (f *fakeClient) Put(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*transport.Response, error) {
	return f.Do(ctx, models.MethodPut, path, body, query, cfg)
}

func (f *fakeClient) Patch(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*transport.Response, error) {
	return f.Do(ctx, models.MethodPatch, path, body, query, cfg)
}

func (f *fakeClient) Delete(ctx context.Context, path string, query map[string]string, cfg *models.RequestConfig) (*transport.Response, error) {
	return f.Do(ctx, models.MethodDelete, path, nil, query, cfg)
}

func (f *fakeClient) Do(ctx context.Context, method models.HTTPMethod, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*transport.Response, error) {
	c := call{Method: method, Path: path, Body: body, Query: query, Config: cfg}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handler
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	if h != nil {
		return h(c)
	}
	return defaultResponse(c, id), nil
}

// defaultResponse echoes writes back with a server id and answers reads with
// an empty list.
func defaultResponse(c call, id int) *transport.Response {
	switch c.Method {
	case models.MethodPost:
		echo := map[string]interface{}{"id": fmt.Sprintf("srv-%d", id)}
		if body, ok := c.Body.(map[string]interface{}); ok {
			for k, v := range body {
				echo[k] = v
			}
			echo["id"] = fmt.Sprintf("srv-%d", id)
		}
		return &transport.Response{StatusCode: http.StatusCreated, Data: echo}
	case models.MethodPut, models.MethodPatch:
		return &transport.Response{StatusCode: http.StatusOK, Data: c.Body}
	case models.MethodDelete:
		return &transport.Response{StatusCode: http.StatusNoContent}
	default:
		return &transport.Response{StatusCode: http.StatusOK, Data: []interface{}{}}
	}
}

func (f *fakeClient) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeClient) count(method models.HTTPMethod) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// =====================================================
// Counting storage
// =====================================================

// countingStore wraps a storage.Service and counts calls.
type countingStore struct {
	storage.Service
	reads  atomic.Int32
	writes atomic.Int32
	stamps atomic.Int32
}

func (s *countingStore) SetLastSyncTime(ctx context.Context, t time.Time) error {
	s.stamps.Add(1)
	return s.Service.SetLastSyncTime(ctx, t)
}

func (s *countingStore) Get(ctx context.Context, id, modelType string) (models.SyncModel, error) {
	s.reads.Add(1)
	return s.Service.Get(ctx, id, modelType)
}

func (s *countingStore) GetPending(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	s.reads.Add(1)
	return s.Service.GetPending(ctx, modelType)
}

func (s *countingStore) GetItems(ctx context.Context, modelType string, q storage.Query) ([]models.SyncModel, error) {
	s.reads.Add(1)
	return s.Service.GetItems(ctx, modelType, q)
}

func (s *countingStore) Save(ctx context.Context, item models.SyncModel) error {
	s.writes.Add(1)
	return s.Service.Save(ctx, item)
}

func (s *countingStore) SaveAll(ctx context.Context, items []models.SyncModel) error {
	s.writes.Add(1)
	return s.Service.SaveAll(ctx, items)
}

func (s *countingStore) DeleteModel(ctx context.Context, item models.SyncModel) error {
	s.writes.Add(1)
	return s.Service.DeleteModel(ctx, item)
}

// =====================================================
// Fixtures
// =====================================================

type harness struct {
	engine *Engine
	store  *countingStore
	client *fakeClient
	conn   *connectivity.Static
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AutoSync = false
	opts.SyncInterval = 0
	return opts
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:  &countingStore{Service: memory.New()},
		client: newFakeClient(),
		conn:   connectivity.NewStatic(connectivity.ConnectionWiFi),
	}
	e, err := NewEngine(Dependencies{
		Storage:      h.store,
		Client:       h.client,
		Connectivity: h.conn,
		Registry:     storagetest.Registry(),
	}, opts)
	require.NoError(t, err)
	t.Cleanup(e.Dispose)
	h.engine = e
	return h
}

func newTask(title string) *models.Record {
	r := models.NewRecord("Task", "/tasks", nil)
	r.Set("title", title)
	return r
}

func syncedTask(id, title string) *models.Record {
	r := models.NewRecord("Task", "/tasks", map[string]interface{}{"title": title})
	r.SetID(id)
	r.Base().MarkSynced()
	return r
}

func editedTask(id, title string) *models.Record {
	r := syncedTask(id, "old")
	r.Set("title", title)
	return r
}
