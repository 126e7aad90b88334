package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/transport"
)

// listKeys are the container keys probed, in order, when a list response is
// wrapped in an object.
var listKeys = []string{"data", "items", "results", "records"}

// Repository performs the per-item remote round trips and keeps local storage
// consistent with what the remote store confirmed.
type Repository struct {
	client   transport.Client
	storage  storage.Service
	registry *models.Registry
	resolver *conflict.Resolver
}

// NewRepository creates a Repository. A nil resolver selects server_wins.
func NewRepository(client transport.Client, store storage.Service, registry *models.Registry, resolver *conflict.Resolver) *Repository {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyServerWins)
	}
	if registry == nil {
		registry = models.NewRegistry()
	}
	return &Repository{
		client:   client,
		storage:  store,
		registry: registry,
		resolver: resolver,
	}
}

// Registry returns the model registry used to decode responses.
func (r *Repository) Registry() *models.Registry {
	return r.registry
}

func itemPath(item models.SyncModel) string {
	if item.ID() == "" {
		return item.Endpoint()
	}
	return strings.TrimRight(item.Endpoint(), "/") + "/" + url.PathEscape(item.ID())
}

// SyncItem pushes one item: DELETE when marked for deletion, POST when it has
// no remote id, PUT otherwise. Synced items are left alone.
func (r *Repository) SyncItem(ctx context.Context, item models.SyncModel) *Result {
	start := time.Now()
	if item.IsSynced() && !item.IsMarkedForDeletion() {
		return NoChanges(time.Since(start))
	}

	if item.IsMarkedForDeletion() {
		if item.ID() != "" {
			if err := r.DeleteItem(ctx, item); err != nil {
				r.markFailed(ctx, item, err.Error())
				return Failed(err.Error(), time.Since(start))
			}
		}
		if err := r.storage.DeleteModel(ctx, item); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		return Success(1, time.Since(start))
	}

	var (
		synced models.SyncModel
		err    error
	)
	if item.ID() == "" {
		synced, err = r.CreateItem(ctx, item)
	} else {
		synced, err = r.UpdateItem(ctx, item)
	}
	if err != nil {
		r.markFailed(ctx, item, err.Error())
		return Failed(err.Error(), time.Since(start))
	}
	if err := r.storage.Save(ctx, synced); err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	return Success(1, time.Since(start))
}

// SyncDelta sends only changes with PATCH. On success the sent fields are
// acknowledged and the item is stored, synced only when no other change is
// pending; on failure nothing is persisted.
func (r *Repository) SyncDelta(ctx context.Context, item models.SyncModel, changes models.ChangeSet, cfg *models.RequestConfig) *Result {
	start := time.Now()
	if changes.Len() == 0 {
		return NoChanges(time.Since(start))
	}
	if item.ID() == "" {
		return Failed(apperrors.New(apperrors.ErrInvalid, "delta sync requires a remote id").Error(), time.Since(start))
	}
	if cfg == nil {
		cfg = item.RequestConfig(models.MethodPatch)
	}

	path := itemPath(item)
	resp, err := r.client.Patch(ctx, path, changes.ToMap(), nil, cfg)
	if err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	if !resp.IsSuccessful() {
		return Failed(apperrors.RemoteError("PATCH", path, resp.StatusCode).Error(), time.Since(start))
	}
	if err := r.storage.Save(ctx, models.Acknowledge(item, changes.Fields())); err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	return Success(1, time.Since(start))
}

// SyncAll pushes every pending item in order and, when bidirectional, pulls
// the collection of the first item afterwards. Pull failures are logged and
// do not change the result.
func (r *Repository) SyncAll(ctx context.Context, items []models.SyncModel, bidirectional bool) *Result {
	start := time.Now()
	var (
		processed, failed int
		errs              []string
	)
	for _, item := range items {
		if !storage.IsPending(item) {
			continue
		}
		res := r.SyncItem(ctx, item)
		switch res.Status() {
		case StatusSuccess:
			processed++
		case StatusNoChanges:
		default:
			failed++
			errs = append(errs, fmt.Sprintf("%s %s: %s", item.ModelType(), item.LocalID(), res.Error()))
		}
	}

	if bidirectional && len(items) > 0 {
		if _, err := r.pull(ctx, items[0]); err != nil {
			logging.Warn("Bidirectional pull failed", map[string]interface{}{
				"model_type": items[0].ModelType(),
				"error":      err.Error(),
			})
		}
	}
	return batchResult(processed, failed, errs, time.Since(start))
}

func (r *Repository) pull(ctx context.Context, sample models.SyncModel) (int, error) {
	cfg := sample.RequestConfig(models.MethodGet)
	resp, err := r.client.Get(ctx, sample.Endpoint(), nil, cfg)
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccessful() {
		return 0, apperrors.RemoteError("GET", sample.Endpoint(), resp.StatusCode)
	}
	items := r.decodeList(sample.ModelType(), resp, cfg)
	return r.MergeRemote(ctx, items)
}

// CreateItem POSTs item and returns the synced copy, carrying the remote id
// and any fields echoed back.
func (r *Repository) CreateItem(ctx context.Context, item models.SyncModel) (models.SyncModel, error) {
	path := item.Endpoint()
	resp, err := r.client.Post(ctx, path, item.ToJSON(), nil, item.RequestConfig(models.MethodPost))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccessful() {
		return nil, apperrors.RemoteError("POST", path, resp.StatusCode)
	}
	return r.confirm(item, resp), nil
}

// UpdateItem PUTs the full item and returns the synced copy.
func (r *Repository) UpdateItem(ctx context.Context, item models.SyncModel) (models.SyncModel, error) {
	if item.ID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "update requires a remote id")
	}
	path := itemPath(item)
	resp, err := r.client.Put(ctx, path, item.ToJSON(), nil, item.RequestConfig(models.MethodPut))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccessful() {
		return nil, apperrors.RemoteError("PUT", path, resp.StatusCode)
	}
	return r.confirm(item, resp), nil
}

// DeleteItem issues the remote DELETE. A 404 counts as deleted.
func (r *Repository) DeleteItem(ctx context.Context, item models.SyncModel) error {
	if item.ID() == "" {
		return apperrors.New(apperrors.ErrInvalid, "delete requires a remote id")
	}
	path := itemPath(item)
	resp, err := r.client.Delete(ctx, path, nil, item.RequestConfig(models.MethodDelete))
	if err != nil {
		return err
	}
	if !resp.IsSuccessful() && resp.StatusCode != http.StatusNotFound {
		return apperrors.RemoteError("DELETE", path, resp.StatusCode)
	}
	return nil
}

// FetchItems GETs the collection of modelType and decodes every entry through
// the registry. Entries that fail to decode are skipped.
func (r *Repository) FetchItems(ctx context.Context, modelType string, params FetchParams) ([]models.SyncModel, error) {
	desc, ok := r.registry.Lookup(modelType)
	if !ok || desc.Factory == nil {
		return nil, models.FactoryMissing(modelType)
	}

	query := make(map[string]string)
	if params.Since != nil && !params.Since.IsZero() {
		query["since"] = params.Since.UTC().Format(time.RFC3339Nano)
	}
	if params.Limit > 0 {
		query["limit"] = strconv.Itoa(params.Limit)
	}
	if params.Offset > 0 {
		query["offset"] = strconv.Itoa(params.Offset)
	}

	resp, err := r.client.Get(ctx, desc.Endpoint, query, params.RequestConfig)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccessful() {
		return nil, apperrors.RemoteError("GET", desc.Endpoint, resp.StatusCode)
	}
	return r.decodeList(modelType, resp, params.RequestConfig), nil
}

// MergeRemote stores remote records, letting the conflict resolver decide
// whether a pending local copy survives. It returns the number written.
func (r *Repository) MergeRemote(ctx context.Context, items []models.SyncModel) (int, error) {
	toSave := make([]models.SyncModel, 0, len(items))
	for _, remote := range items {
		local, err := r.storage.Get(ctx, remote.ID(), remote.ModelType())
		if err != nil {
			if !storage.IsNotFound(err) {
				return 0, err
			}
			local = nil
		}
		merged := r.resolver.Merge(local, remote)
		if merged == nil {
			continue
		}
		if local != nil {
			meta := merged.Base().Meta()
			meta.LocalID = local.LocalID()
			merged.Base().SetMeta(meta)
		}
		toSave = append(toSave, merged)
	}
	if len(toSave) == 0 {
		return 0, nil
	}
	if err := r.storage.SaveAll(ctx, toSave); err != nil {
		return 0, err
	}
	return len(toSave), nil
}

// confirm builds the synced copy of item from the response. A decodable echo
// replaces the local fields; otherwise only an echoed id is adopted.
func (r *Repository) confirm(item models.SyncModel, resp *transport.Response) models.SyncModel {
	out := item.Clone()
	if obj, ok := echoObject(resp); ok {
		if decoded, err := r.registry.Decode(item.ModelType(), obj); err == nil {
			meta := decoded.Base().Meta()
			meta.LocalID = item.LocalID()
			meta.CreatedAt = item.CreatedAt()
			if meta.ID == "" {
				meta.ID = item.ID()
			}
			decoded.Base().SetMeta(meta)
			out = decoded
		} else if id := models.IDString(obj["id"]); id != "" {
			out.Base().SetID(id)
		}
	}
	out.Base().MarkSynced()
	return out
}

func echoObject(resp *transport.Response) (map[string]interface{}, bool) {
	obj, ok := resp.Object()
	if !ok {
		return nil, false
	}
	if inner, ok := obj["data"].(map[string]interface{}); ok {
		return inner, true
	}
	return obj, true
}

func (r *Repository) decodeList(modelType string, resp *transport.Response, cfg *models.RequestConfig) []models.SyncModel {
	key := ""
	if cfg != nil {
		key = cfg.ResponseDataKey
	}
	entries := extractList(resp.Data, modelType, key)
	out := make([]models.SyncModel, 0, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		m, err := r.registry.Decode(modelType, obj)
		if err != nil {
			logging.Debug("Skipping undecodable entry", map[string]interface{}{
				"model_type": modelType,
				"error":      err.Error(),
			})
			continue
		}
		out = append(out, models.MarkSynced(m))
	}
	return out
}

// extractList finds the entry list in a response body: a bare array, or an
// object wrapping it under key, a generic container key, or the type name.
func extractList(data interface{}, modelType, key string) []interface{} {
	switch v := data.(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		keys := make([]string, 0, len(listKeys)+3)
		if key != "" {
			keys = append(keys, key)
		}
		lower := strings.ToLower(modelType)
		keys = append(keys, listKeys...)
		keys = append(keys, lower, lower+"s")
		for _, k := range keys {
			if list, ok := v[k].([]interface{}); ok {
				return list
			}
		}
	}
	return nil
}

func (r *Repository) markFailed(ctx context.Context, item models.SyncModel, message string) {
	err := r.storage.MarkSyncFailed(ctx, item.LocalID(), item.ModelType(), message)
	if err != nil && !storage.IsNotFound(err) {
		logging.Warn("Failed to record sync failure", map[string]interface{}{
			"model_type": item.ModelType(),
			"local_id":   item.LocalID(),
			"error":      err.Error(),
		})
	}
}
