package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// TokenFunc returns a bearer token for each request. An empty token sends no
// Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds HTTP client configuration.
type Config struct {
	BaseURL string
	Headers map[string]string
	Timeout time.Duration
	Token   TokenFunc
}

// HTTPClient implements Client with JSON over HTTP.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config Config) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
	}
}

func (c *HTTPClient) Get(ctx context.Context, path string, query map[string]string, cfg *models.RequestConfig) (*Response, error) {
	return c.Do(ctx, models.MethodGet, path, nil, query, cfg)
}

func (c *HTTPClient) Post(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error) {
	return c.Do(ctx, models.MethodPost, path, body, query, cfg)
}

func (c *HTTPClient) Put(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error) {
	return c.Do(ctx, models.MethodPut, path, body, query, cfg)
}

func (c *HTTPClient) Patch(ctx context.Context, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error) {
	return c.Do(ctx, models.MethodPatch, path, body, query, cfg)
}

func (c *HTTPClient) Delete(ctx context.Context, path string, query map[string]string, cfg *models.RequestConfig) (*Response, error) {
	return c.Do(ctx, models.MethodDelete, path, nil, query, cfg)
}

// Do executes a request. cfg may override the path, headers, query
// parameters and timeout.
func (c *HTTPClient) Do(ctx context.Context, method models.HTTPMethod, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*Response, error) {
	if cfg != nil && cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := c.createRequest(ctx, method, path, body, query, cfg)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, fmt.Sprintf("%s %s request failed", method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "failed to read response body", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Raw: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		var data interface{}
		if err := json.Unmarshal(raw, &data); err == nil {
			out.Data = data
		}
	}
	return out, nil
}

// createRequest builds the HTTP request with headers and auth.
func (c *HTTPClient) createRequest(ctx context.Context, method models.HTTPMethod, path string, body interface{}, query map[string]string, cfg *models.RequestConfig) (*http.Request, error) {
	if cfg != nil && cfg.Path != "" {
		path = cfg.Path
	}
	u, err := c.resolve(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid request path "+path, err)
	}

	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	if cfg != nil {
		for k, v := range cfg.QueryParameters {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method.String(), u.String(), reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "failed to create request", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if cfg != nil {
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
	}

	if c.config.Token != nil {
		token, err := c.config.Token(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransport, "failed to obtain auth token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return req, nil
}

// resolve joins path onto the base URL. Absolute URLs are used as-is.
func (c *HTTPClient) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return url.Parse(path)
	}
	base := strings.TrimRight(c.config.BaseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return url.Parse(base + path)
}
