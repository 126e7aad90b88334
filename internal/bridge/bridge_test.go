package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type remote struct {
	mu       gosync.Mutex
	requests []request
}

func (r *remote) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req.Method+" "+req.Path)
	}
	return out
}

func (r *remote) last() request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func newRemote(t *testing.T) (*remote, string) {
	t.Helper()
	r := &remote{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.requests = append(r.requests, request{Method: req.Method, Path: req.URL.Path, Body: body})
		r.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case http.MethodPost:
			body["id"] = "srv-1"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(body)
		case http.MethodPut, http.MethodPatch:
			_ = json.NewEncoder(w).Encode(body)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []interface{}{map[string]interface{}{"id": "r1", "title": "remote", "done": false}},
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return r, srv.URL
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

func newBridge(t *testing.T) (*Bridge, *remote) {
	t.Helper()
	r, url := newRemote(t)
	b := New()
	require.NoError(t, b.InitWithConfig(testConfig(url)))
	t.Cleanup(b.Close)
	return b, r
}

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, s)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestBridge_notInitialized(t *testing.T) {
	b := New()
	assert.Equal(t, "", b.Status())
	assert.Equal(t, "", b.SyncAllPending())
	assert.Equal(t, "bridge not initialized", b.LastError())
	assert.Error(t, b.SetConnectivity("wifi"))
	b.Close()
}

func TestBridge_doubleInit(t *testing.T) {
	b, _ := newBridge(t)
	err := b.InitWithConfig(testConfig("http://127.0.0.1:1"))
	assert.Error(t, err)
	assert.Contains(t, b.LastError(), "already initialized")
}

func TestBridge_Init_fromFile(t *testing.T) {
	_, url := newRemote(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: memory
remote:
  base_url: `+url+`
connectivity:
  mode: static
models:
  - type: Task
    endpoint: /tasks
`), 0o644))

	b := New()
	require.NoError(t, b.Init(path))
	defer b.Close()
	assert.Equal(t, true, decode(t, b.Status())["is_connected"])

	assert.Error(t, New().Init(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestBridge_offlineSaveThenSync(t *testing.T) {
	b, r := newBridge(t)

	require.NoError(t, b.SetConnectivity("none"))
	res := decode(t, b.SaveItem("Task", `{"title": "write", "priority": 2}`))
	assert.Equal(t, "connectionError", res["status"])
	assert.EqualValues(t, 1, decode(t, b.Status())["pending_changes"])
	assert.Empty(t, r.methods())

	require.NoError(t, b.SetConnectivity("wifi"))
	res = decode(t, b.SyncAllPending())
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, []string{"POST /tasks"}, r.methods())
	assert.Equal(t, "write", r.last().Body["title"])
	assert.EqualValues(t, 0, decode(t, b.Status())["pending_changes"])
}

func TestBridge_pullDeltaDelete(t *testing.T) {
	b, r := newBridge(t)

	res := decode(t, b.PullFromServer("Task", ""))
	assert.Equal(t, "success", res["status"])

	res = decode(t, b.FetchItems("Task", `{"strategy": "local_only", "query": {"title": "remote"}}`))
	items, ok := res["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)

	res = decode(t, b.SaveDelta("Task", "r1", `{"done": true}`))
	assert.Equal(t, "success", res["status"])
	last := r.last()
	assert.Equal(t, "PATCH", last.Method)
	assert.Equal(t, "/tasks/r1", last.Path)
	assert.Equal(t, map[string]interface{}{"done": true}, last.Body)

	res = decode(t, b.SaveItem("Task", `{"id": "r1", "title": "renamed"}`))
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, "PUT", r.last().Method)

	res = decode(t, b.DeleteItem("Task", "r1"))
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, "DELETE /tasks/r1", r.methods()[len(r.methods())-1])

	assert.Equal(t, "", b.DeleteItem("Task", "r1"))
	assert.NotEmpty(t, b.LastError())
}

func TestBridge_invalidInput(t *testing.T) {
	b, _ := newBridge(t)

	tests := []struct {
		name string
		call func() string
	}{
		{"bad since", func() string { return b.PullFromServer("Task", "yesterday") }},
		{"bad fetch request", func() string { return b.FetchItems("Task", "{") }},
		{"bad strategy", func() string { return b.FetchItems("Task", `{"strategy": "sometimes"}`) }},
		{"bad fields", func() string { return b.SaveItem("Task", "[1, 2]") }},
		{"unknown type", func() string { return b.SaveItem("Widget", `{"a": 1}`) }},
		{"missing record", func() string { return b.SaveDelta("Task", "nope", `{"a": 1}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "", tt.call())
			assert.NotEmpty(t, b.LastError())
		})
	}

	assert.Error(t, b.SetConnectivity("carrier-pigeon"))
}
