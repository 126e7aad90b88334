// Package transport provides the verb-based client the repository talks to the
// remote store through.
package transport

import (
	"context"
	"net/http"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// Client issues requests against the remote store.
//
// Non-2xx responses are returned as a Response, not as an error; errors are
// reserved for requests that never produced a response.
type Client interface {
	Get(ctx context.Context, path string, query map[string]string, cfg *models.RequestConfig) (*Response, error)
	Post(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error)
	Put(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error)
	Patch(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error)
	Delete(ctx context.Context, path string, query map[string]string, cfg *models.RequestConfig) (*Response, error)
	Do(ctx context.Context, method models.HTTPMethod, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error)
}

// Response is the uniform result of a request.
type Response struct {
	StatusCode int
	// Data is the decoded JSON body (map, slice or scalar), nil when the body
	// was empty or not JSON.
	Data interface{}
	Raw  []byte
}

// IsSuccessful reports a 2xx status.
func (r *Response) IsSuccessful() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsCreated reports a 201 status.
func (r *Response) IsCreated() bool {
	return r != nil && r.StatusCode == http.StatusCreated
}

// IsNoContent reports a 204 status.
func (r *Response) IsNoContent() bool {
	return r != nil && r.StatusCode == http.StatusNoContent
}

// Object returns Data as a JSON object, if it is one.
func (r *Response) Object() (map[string]interface{}, bool) {
	if r == nil {
		return nil, false
	}
	obj, ok := r.Data.(map[string]interface{})
	return obj, ok
}
