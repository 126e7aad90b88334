// Package bridge exposes the sync engine through a string-in, JSON-out API
// for foreign-function callers such as the mobile shared library. Failures
// return "" and are available from LastError.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync"
)

// FetchRequest is the JSON form of sync.FetchRequest.
type FetchRequest struct {
	Query        map[string]interface{} `json:"query"`
	Strategy     string                 `json:"strategy"`
	ForceRefresh bool                   `json:"force_refresh"`
	Since        *time.Time             `json:"since"`
	Limit        int                    `json:"limit"`
	Offset       int                    `json:"offset"`
}

// Bridge owns one application instance.
type Bridge struct {
	mu      gosync.Mutex
	app     *app.App
	ctx     context.Context
	cancel  context.CancelFunc
	lastErr string
}

// New returns an uninitialized Bridge.
func New() *Bridge {
	return &Bridge{}
}

// Init loads the config at path and starts the engine. A second Init
// without Close fails.
func (b *Bridge) Init(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return b.fail(err)
	}
	return b.InitWithConfig(cfg)
}

// InitWithConfig starts the engine from an already loaded config.
func (b *Bridge) InitWithConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return b.fail(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return b.failLocked(apperrors.New(apperrors.ErrInvalid, "bridge already initialized"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		cancel()
		return b.failLocked(err)
	}
	b.app, b.ctx, b.cancel = a, ctx, cancel
	logging.Info("Bridge initialized", map[string]interface{}{"models": a.Registry.Types()})
	return nil
}

// Close releases the engine. It is a no-op when not initialized.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return
	}
	b.app.Close()
	b.cancel()
	b.app = nil
}

// LastError returns the message of the most recent failure.
func (b *Bridge) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Bridge) fail(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failLocked(err)
}

func (b *Bridge) failLocked(err error) error {
	b.lastErr = err.Error()
	return err
}

// current returns the running app, or records an error.
func (b *Bridge) current() (*app.App, context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		b.lastErr = "bridge not initialized"
		return nil, nil, false
	}
	return b.app, b.ctx, true
}

func (b *Bridge) encode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		b.fail(fmt.Errorf("failed to serialize: %w", err))
		return ""
	}
	return string(data)
}

// Status returns the current engine status.
func (b *Bridge) Status() string {
	a, _, ok := b.current()
	if !ok {
		return ""
	}
	return b.encode(a.Engine.CurrentStatus())
}

// SyncAllPending pushes every pending change.
func (b *Bridge) SyncAllPending() string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	return b.encode(a.Engine.SyncAllPending(ctx))
}

// SyncByModelType pushes the pending changes of one type.
func (b *Bridge) SyncByModelType(modelType string) string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	return b.encode(a.Engine.SyncByModelType(ctx, modelType))
}

// PullFromServer merges remote changes. since is RFC3339 or empty for the
// last sync time.
func (b *Bridge) PullFromServer(modelType, since string) string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	var sinceTime *time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			b.fail(apperrors.Wrap(apperrors.ErrInvalid, "since must be RFC3339", err))
			return ""
		}
		sinceTime = &t
	}
	return b.encode(a.Engine.PullFromServer(ctx, modelType, sinceTime))
}

// FetchItems reads records of a type. request is a FetchRequest document
// and may be empty.
func (b *Bridge) FetchItems(modelType, request string) string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	var in FetchRequest
	if request != "" {
		if err := json.Unmarshal([]byte(request), &in); err != nil {
			b.fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid fetch request", err))
			return ""
		}
	}
	req := sync.FetchRequest{
		Query:        in.Query,
		ForceRefresh: in.ForceRefresh,
		Since:        in.Since,
		Limit:        in.Limit,
		Offset:       in.Offset,
	}
	if in.Strategy != "" {
		s, err := models.ParseFetchStrategy(in.Strategy)
		if err != nil {
			b.fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid fetch strategy", err))
			return ""
		}
		req.Strategy = s
	}
	return b.encode(a.Engine.FetchItems(ctx, modelType, req))
}

// SaveItem creates a record, or updates the stored one when fields carries
// an "id", and syncs it.
func (b *Bridge) SaveItem(modelType, fields string) string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	values, err := decodeFields(fields)
	if err != nil {
		b.fail(err)
		return ""
	}
	id := models.IDString(values["id"])
	delete(values, "id")

	item, err := loadOrCreate(ctx, a, modelType, id)
	if err != nil {
		b.fail(err)
		return ""
	}
	applyFields(item, values)
	return b.encode(a.Engine.SyncItem(ctx, item))
}

// SaveDelta applies fields to the stored record with id and sends only the
// changed fields.
func (b *Bridge) SaveDelta(modelType, id, fields string) string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	values, err := decodeFields(fields)
	if err != nil {
		b.fail(err)
		return ""
	}
	item, err := loadOrCreate(ctx, a, modelType, id)
	if err != nil {
		b.fail(err)
		return ""
	}
	names := applyFields(item, values)
	return b.encode(a.Engine.SyncItemDelta(ctx, item, &sync.DeltaOptions{Fields: names}))
}

// DeleteItem deletes the stored record with id.
func (b *Bridge) DeleteItem(modelType, id string) string {
	a, ctx, ok := b.current()
	if !ok {
		return ""
	}
	item, err := a.Storage.Get(ctx, id, modelType)
	if err != nil {
		b.fail(err)
		return ""
	}
	return b.encode(a.Engine.DeleteItem(ctx, item))
}

// SetConnectivity reports a link change in static connectivity mode.
func (b *Bridge) SetConnectivity(connectionType string) error {
	a, _, ok := b.current()
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
	}
	if a.Static == nil {
		return b.fail(apperrors.New(apperrors.ErrInvalid, "connectivity is probed, not application-driven"))
	}
	link, err := connectivity.ParseConnectionType(connectionType)
	if err != nil {
		return b.fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid connection type", err))
	}
	a.Static.Set(link)
	return nil
}

func decodeFields(fields string) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	if fields == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(fields), &values); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "fields must be a JSON object", err)
	}
	return values, nil
}

func loadOrCreate(ctx context.Context, a *app.App, modelType, id string) (*models.Record, error) {
	desc, ok := a.Registry.Lookup(modelType)
	if !ok {
		return nil, models.FactoryMissing(modelType)
	}
	if id == "" {
		return models.NewRecord(modelType, desc.Endpoint, nil), nil
	}
	stored, err := a.Storage.Get(ctx, id, modelType)
	if err != nil {
		return nil, err
	}
	rec, ok := stored.(*models.Record)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "%s %s is not a record", modelType, id)
	}
	return rec, nil
}

// applyFields sets values in key order and returns the keys.
func applyFields(item *models.Record, values map[string]interface{}) []string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		item.Set(k, values[k])
	}
	return names
}
