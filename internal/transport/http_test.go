package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  map[string]string
	header http.Header
	body   map[string]interface{}
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), query: map[string]string{}}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.body))
		}
		calls = append(calls, rec)
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPClient_verbs(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, `{"ok":true}`)
	c := NewHTTPClient(Config{BaseURL: srv.URL + "/api/"})
	ctx := context.Background()

	body := map[string]interface{}{"title": "x"}
	_, err := c.Get(ctx, "/tasks", map[string]string{"limit": "5"}, nil)
	require.NoError(t, err)
	_, err = c.Post(ctx, "/tasks", body, nil, nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, "tasks/t1", body, nil, nil)
	require.NoError(t, err)
	_, err = c.Patch(ctx, "/tasks/t1", body, nil, nil)
	require.NoError(t, err)
	resp, err := c.Delete(ctx, "/tasks/t1", nil, nil)
	require.NoError(t, err)

	require.Len(t, *calls, 5)
	assert.Equal(t, "GET", (*calls)[0].method)
	assert.Equal(t, "/api/tasks", (*calls)[0].path)
	assert.Equal(t, "5", (*calls)[0].query["limit"])
	assert.Equal(t, "POST", (*calls)[1].method)
	assert.Equal(t, "x", (*calls)[1].body["title"])
	assert.Equal(t, "application/json", (*calls)[1].header.Get("Content-Type"))
	assert.Equal(t, "PUT", (*calls)[2].method)
	assert.Equal(t, "/api/tasks/t1", (*calls)[2].path)
	assert.Equal(t, "PATCH", (*calls)[3].method)
	assert.Equal(t, "DELETE", (*calls)[4].method)

	assert.True(t, resp.IsSuccessful())
	obj, ok := resp.Object()
	require.True(t, ok)
	assert.Equal(t, true, obj["ok"])
}

func TestHTTPClient_requestConfigOverrides(t *testing.T) {
	srv, calls := newServer(t, http.StatusCreated, `[]`)
	c := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Headers: map[string]string{"X-App": "sync", "X-Version": "1"},
		Token:   func(context.Context) (string, error) { return "secret", nil },
	})

	cfg := &models.RequestConfig{
		Path:            "/v2/todo",
		Headers:         map[string]string{"X-Version": "2"},
		QueryParameters: map[string]string{"expand": "all"},
		Timeout:         time.Second,
	}
	resp, err := c.Post(context.Background(), "/tasks", map[string]interface{}{}, nil, cfg)
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, "/v2/todo", got.path)
	assert.Equal(t, "all", got.query["expand"])
	assert.Equal(t, "sync", got.header.Get("X-App"))
	assert.Equal(t, "2", got.header.Get("X-Version"))
	assert.Equal(t, "Bearer secret", got.header.Get("Authorization"))

	assert.True(t, resp.IsCreated())
	assert.Equal(t, []interface{}{}, resp.Data)
}

func TestHTTPClient_nonSuccessIsNotAnError(t *testing.T) {
	srv, _ := newServer(t, http.StatusInternalServerError, `boom`)
	c := NewHTTPClient(Config{BaseURL: srv.URL})

	resp, err := c.Get(context.Background(), "/tasks", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccessful())
	assert.Equal(t, 500, resp.StatusCode)
	assert.Nil(t, resp.Data)
	assert.Equal(t, "boom", string(resp.Raw))
}

func TestHTTPClient_noContent(t *testing.T) {
	srv, _ := newServer(t, http.StatusNoContent, ``)
	c := NewHTTPClient(Config{BaseURL: srv.URL})

	resp, err := c.Delete(context.Background(), "/tasks/t1", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.IsNoContent())
	assert.True(t, resp.IsSuccessful())
}

func TestHTTPClient_transportError(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, ``)
	srv.Close()
	c := NewHTTPClient(Config{BaseURL: srv.URL})

	_, err := c.Get(context.Background(), "/tasks", nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransport))
}

func TestHTTPClient_tokenError(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, ``)
	c := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Token:   func(context.Context) (string, error) { return "", errors.New("expired") },
	})

	_, err := c.Get(context.Background(), "/tasks", nil, nil)
	require.Error(t, err)
	assert.Empty(t, *calls)
}

func TestResponse_nil(t *testing.T) {
	var r *Response
	assert.False(t, r.IsSuccessful())
	assert.False(t, r.IsCreated())
	assert.False(t, r.IsNoContent())
}
