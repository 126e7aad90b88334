// Package sync coordinates offline-first synchronization between a local
// storage.Service and a remote REST store.
//
// The Engine decides when and how items move (connectivity, strategies,
// scheduling, status) and the Repository performs the individual round
// trips. Every operation returns a *Result; errors never escape as panics.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinesync/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
	"github.com/kimhsiao/offlinesync/internal/telemetry"
	"github.com/kimhsiao/offlinesync/internal/transport"
)

const offlineMessage = "connectivity requirement not met; changes kept locally"

// Dependencies are the collaborators an Engine is built from.
type Dependencies struct {
	Storage      storage.Service
	Client       transport.Client
	Connectivity connectivity.Service
	Registry     *models.Registry
	// Recorder is optional; nil records nothing.
	Recorder telemetry.Recorder
}

// Engine is the sync coordinator. Create it with NewEngine, call Start, and
// Dispose it when done.
type Engine struct {
	storage      storage.Service
	connectivity connectivity.Service
	repo         *Repository
	registry     *models.Registry
	options      Options
	recorder     telemetry.Recorder

	state     *runtimeState
	syncing   atomic.Bool
	status    *broadcaster
	scheduler *scheduler.Scheduler

	mu        gosync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()
	watchDone chan struct{}
	disposed  atomic.Bool
}

// NewEngine creates an Engine. Storage, Client and Connectivity are required.
func NewEngine(deps Dependencies, opts Options) (*Engine, error) {
	if deps.Storage == nil || deps.Client == nil || deps.Connectivity == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "storage, client and connectivity are required")
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.Nop()
	}
	registry := deps.Registry
	if registry == nil {
		registry = models.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		storage:      deps.Storage,
		connectivity: deps.Connectivity,
		registry:     registry,
		options:      opts,
		recorder:     deps.Recorder,
		state:        newRuntimeState(),
		status:       newBroadcaster(),
		ctx:          ctx,
		cancel:       cancel,
	}
	e.repo = NewRepository(deps.Client, deps.Storage, registry, conflict.NewResolver(opts.ConflictPolicy))
	e.scheduler = scheduler.New(e.periodicSync)
	for _, t := range registry.Types() {
		e.state.registerType(t)
	}
	return e, nil
}

// Repository returns the repository used for remote round trips.
func (e *Engine) Repository() *Repository {
	return e.repo
}

// Options returns the engine configuration.
func (e *Engine) Options() Options {
	return e.options
}

// Start initializes storage, loads the persisted bookkeeping, subscribes to
// connectivity changes and, with AutoSync, starts the periodic timer.
func (e *Engine) Start(ctx context.Context) error {
	if e.disposed.Load() {
		return apperrors.New(apperrors.ErrInvalid, "engine disposed")
	}
	if err := e.storage.Initialize(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "initialize storage", err)
	}
	if last, err := e.storage.GetLastSyncTime(ctx); err == nil {
		e.state.setLastSync(last)
	} else {
		logging.Warn("Failed to load last sync time", map[string]interface{}{"error": err.Error()})
	}
	e.refreshPending(ctx)
	e.state.setConnected(e.connectivity.IsConnected(ctx))

	e.mu.Lock()
	if e.stopWatch == nil {
		ch, stop := e.connectivity.Watch()
		e.stopWatch = stop
		e.watchDone = make(chan struct{})
		go e.watchConnectivity(ch, e.watchDone)
	}
	e.mu.Unlock()

	if e.options.AutoSync && e.options.SyncInterval > 0 {
		e.StartPeriodicSync()
	}
	e.broadcast()

	logging.Info("Sync engine started", map[string]interface{}{
		"auto_sync":     e.options.AutoSync,
		"sync_interval": e.options.SyncInterval.String(),
		"requirement":   e.options.ConnectivityRequirement.String(),
	})
	return nil
}

// Dispose stops the timer and the connectivity subscription and closes all
// status subscriptions. It is safe to call more than once.
func (e *Engine) Dispose() {
	if !e.disposed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	e.scheduler.Stop()

	e.mu.Lock()
	stop, done := e.stopWatch, e.watchDone
	e.stopWatch = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	e.status.closeAll()
	logging.Info("Sync engine disposed")
}

// RegisterModelType adds modelType to the set swept by SyncAllPending.
func (e *Engine) RegisterModelType(modelType string) {
	e.state.registerType(modelType)
}

// RegisterFactory registers a decoder for modelType and includes it in
// SyncAllPending.
func (e *Engine) RegisterFactory(modelType, endpoint string, factory models.Factory) {
	e.registry.Register(modelType, endpoint, factory)
	e.state.registerType(modelType)
}

// RegisteredModelTypes returns the swept model types in sorted order.
func (e *Engine) RegisteredModelTypes() []string {
	return e.state.registeredTypes()
}

// CurrentStatus returns the latest snapshot.
func (e *Engine) CurrentStatus() Status {
	return e.state.snapshot(e.syncing.Load())
}

// Subscribe returns a subscription receiving every snapshot published from now
// on. buffer <= 0 selects DefaultSubscriptionBuffer.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.status.subscribe(buffer)
}

// StartPeriodicSync (re)starts the periodic SyncAllPending timer.
func (e *Engine) StartPeriodicSync() {
	if e.options.SyncInterval <= 0 {
		return
	}
	e.scheduler.Start(e.ctx, e.options.SyncInterval)
}

// StopPeriodicSync stops the timer. A sync already running finishes.
func (e *Engine) StopPeriodicSync() {
	e.scheduler.Stop()
}

// SchedulerStatus exposes the periodic timer state.
func (e *Engine) SchedulerStatus() scheduler.Status {
	return e.scheduler.GetStatus()
}

// SyncItem pushes one item according to its save strategy. Offline, the item
// is stored locally and a connectionError result is returned.
func (e *Engine) SyncItem(ctx context.Context, item models.SyncModel) (res *Result) {
	start := time.Now()
	defer e.finish("sync_item", start, &res)
	if item == nil {
		return Failed(apperrors.New(apperrors.ErrInvalid, "nil item").Error(), time.Since(start))
	}
	e.state.registerType(item.ModelType())

	if !e.canSync(ctx) {
		return e.keepOffline(ctx, item, start)
	}

	owner := e.acquire()
	defer e.release(ctx, owner, true)

	if e.saveStrategy(item) == models.SaveOptimistic {
		if err := e.storage.Save(ctx, item); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
	}
	return e.repo.SyncItem(ctx, item)
}

// SyncItemDelta sends only the changed fields, optionally narrowed by opts.
// It falls back to SyncItem for items without a remote id or when the PATCH
// fails.
func (e *Engine) SyncItemDelta(ctx context.Context, item models.SyncModel, opts *DeltaOptions) (res *Result) {
	start := time.Now()
	defer e.finish("sync_item_delta", start, &res)
	if item == nil {
		return Failed(apperrors.New(apperrors.ErrInvalid, "nil item").Error(), time.Since(start))
	}

	changes := item.ChangedFields()
	var cfg *models.RequestConfig
	if opts != nil {
		cfg = opts.RequestConfig
		if len(opts.Fields) > 0 {
			changes = filterChanges(changes, opts.Fields)
		}
	}
	if changes.Len() == 0 {
		return Success(0, time.Since(start))
	}
	if !e.canSync(ctx) {
		return e.keepOffline(ctx, item, start)
	}
	if item.ID() == "" {
		return e.SyncItem(ctx, item)
	}

	owner := e.acquire()
	res = e.repo.SyncDelta(ctx, item, changes, cfg)
	if res.IsSuccess() {
		e.release(ctx, owner, true)
		return res
	}
	// the fallback re-stamps on its own
	if owner {
		e.syncing.Store(false)
	}
	logging.Warn("Delta sync failed, falling back to full sync", map[string]interface{}{
		"model_type": item.ModelType(),
		"id":         item.ID(),
		"error":      res.Error(),
	})
	return e.SyncItem(ctx, item)
}

// SyncAll pushes items in order. Offline, every item is stored locally.
func (e *Engine) SyncAll(ctx context.Context, items []models.SyncModel) (res *Result) {
	start := time.Now()
	defer e.finish("sync_all", start, &res)
	if len(items) == 0 {
		return NoChanges(time.Since(start))
	}
	for _, item := range items {
		e.state.registerType(item.ModelType())
	}

	if !e.canSync(ctx) {
		if err := e.storage.SaveAll(ctx, items); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		e.refreshPending(ctx)
		e.broadcast()
		return ConnectionError(offlineMessage, time.Since(start)).WithSource(SourceOfflineCache)
	}

	owner := e.acquire()
	defer e.release(ctx, owner, owner)

	var optimistic []models.SyncModel
	for _, item := range items {
		if storage.IsPending(item) && e.saveStrategy(item) == models.SaveOptimistic {
			optimistic = append(optimistic, item)
		}
	}
	if len(optimistic) > 0 {
		if err := e.storage.SaveAll(ctx, optimistic); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
	}
	return e.repo.SyncAll(ctx, items, e.options.BidirectionalSync)
}

// SyncByModelType pushes every pending item of modelType.
func (e *Engine) SyncByModelType(ctx context.Context, modelType string) (res *Result) {
	start := time.Now()
	defer e.finish("sync_model_type", start, &res)
	e.state.registerType(modelType)

	pending, err := e.storage.GetPending(ctx, modelType)
	if err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	if len(pending) == 0 {
		return NoChanges(time.Since(start))
	}
	if !e.canSync(ctx) {
		return ConnectionError(offlineMessage, time.Since(start))
	}

	owner := e.acquire()
	defer e.release(ctx, owner, owner)
	return e.repo.SyncAll(ctx, pending, e.options.BidirectionalSync)
}

// SyncAllPending sweeps every registered model type. Only one sweep runs at a
// time; a concurrent call fails immediately without touching any state.
//
// The aggregate status starts at noChanges, is raised to success by the first
// successful type and replaced by any later failed, partial or
// connectionError result.
func (e *Engine) SyncAllPending(ctx context.Context) (res *Result) {
	start := time.Now()
	defer e.finish("sync_all_pending", start, &res)

	if !e.syncing.CompareAndSwap(false, true) {
		return Failed(apperrors.New(apperrors.ErrConcurrentSync, "sync already in progress").Error(), time.Since(start))
	}
	if !e.canSync(ctx) {
		e.syncing.Store(false)
		e.broadcast()
		return ConnectionError(offlineMessage, time.Since(start))
	}
	e.broadcast()
	defer e.release(ctx, true, true)

	status := StatusNoChanges
	var (
		processed, failed int
		errs              []string
	)
	for _, modelType := range e.state.registeredTypes() {
		r := e.SyncByModelType(ctx, modelType)
		processed += r.ProcessedItems()
		failed += r.FailedItems()
		errs = append(errs, r.ErrorMessages()...)

		switch r.Status() {
		case StatusSuccess:
			if status == StatusNoChanges {
				status = StatusSuccess
			}
		case StatusFailed, StatusPartial, StatusConnectionError:
			status = r.Status()
		}
	}

	logging.Info("Sync sweep completed", map[string]interface{}{
		"status":    status.String(),
		"processed": processed,
		"failed":    failed,
	})
	return newResult(status, processed, failed, errs, time.Since(start))
}

// FetchItems reads items of modelType according to the fetch strategy of req
// or, when unset, of the engine options.
func (e *Engine) FetchItems(ctx context.Context, modelType string, req FetchRequest) (res *Result) {
	start := time.Now()
	defer e.finish("fetch_items", start, &res)
	e.state.registerType(modelType)

	q := storage.QueryFromFilter(req.Query)
	strategy := req.Strategy
	if strategy == models.FetchDefault {
		strategy = e.options.FetchStrategy
	}

	switch strategy {
	case models.FetchLocalOnly:
		items, err := e.storage.GetItems(ctx, modelType, q)
		if err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		source := SourceLocal
		if !e.connectivity.IsConnected(ctx) {
			source = SourceOfflineCache
		}
		return Success(len(items), time.Since(start)).WithItems(items, source)

	case models.FetchRemoteFirst:
		if !e.canSync(ctx) {
			return ConnectionError(offlineMessage, time.Since(start))
		}
		return e.fetchRemote(ctx, modelType, req, nil, start)
	}

	local, err := e.storage.GetItems(ctx, modelType, q)
	if err != nil {
		logging.Warn("Local read failed before fetch", map[string]interface{}{
			"model_type": modelType,
			"error":      err.Error(),
		})
		local = nil
	}

	if len(local) > 0 && !req.ForceRefresh {
		switch strategy {
		case models.FetchLocalWithRemoteFallback:
			return Success(len(local), time.Since(start)).WithItems(local, SourceLocal)
		case models.FetchBackgroundSync:
			if e.canSync(ctx) {
				go e.refreshInBackground(modelType, req)
			}
			return Success(len(local), time.Since(start)).WithItems(local, SourceLocal)
		}
	}

	if !e.canSync(ctx) {
		if len(local) > 0 {
			return Success(len(local), time.Since(start)).WithItems(local, SourceOfflineCache)
		}
		return ConnectionError(offlineMessage, time.Since(start))
	}
	return e.fetchRemote(ctx, modelType, req, local, start)
}

func (e *Engine) fetchRemote(ctx context.Context, modelType string, req FetchRequest, fallback []models.SyncModel, start time.Time) *Result {
	items, err := e.repo.FetchItems(ctx, modelType, FetchParams{
		Since:         req.Since,
		Limit:         req.Limit,
		Offset:        req.Offset,
		RequestConfig: req.RequestConfig,
	})
	if err != nil {
		if len(fallback) > 0 {
			logging.Warn("Remote fetch failed, serving local snapshot", map[string]interface{}{
				"model_type": modelType,
				"error":      err.Error(),
			})
			return Success(len(fallback), time.Since(start)).WithItems(fallback, SourceLocal)
		}
		return Failed(err.Error(), time.Since(start))
	}

	if _, err := e.repo.MergeRemote(ctx, items); err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	e.stampLastSync(ctx)
	e.broadcast()
	return Success(len(items), time.Since(start)).WithItems(items, SourceRemote)
}

func (e *Engine) refreshInBackground(modelType string, req FetchRequest) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Background refresh panicked", fmt.Errorf("%v", r), map[string]interface{}{"model_type": modelType})
		}
	}()
	ctx := e.ctx
	items, err := e.repo.FetchItems(ctx, modelType, FetchParams{
		Since:         req.Since,
		Limit:         req.Limit,
		Offset:        req.Offset,
		RequestConfig: req.RequestConfig,
	})
	if err == nil {
		_, err = e.repo.MergeRemote(ctx, items)
	}
	if err != nil {
		logging.Debug("Background refresh failed", map[string]interface{}{
			"model_type": modelType,
			"error":      err.Error(),
		})
		return
	}
	e.stampLastSync(ctx)
	e.broadcast()
}

// DeleteItem deletes item according to its delete strategy. Offline, the item
// is stored marked for deletion. Items never created remotely are removed
// locally only.
func (e *Engine) DeleteItem(ctx context.Context, item models.SyncModel) (res *Result) {
	start := time.Now()
	defer e.finish("delete_item", start, &res)
	if item == nil {
		return Failed(apperrors.New(apperrors.ErrInvalid, "nil item").Error(), time.Since(start))
	}
	e.state.registerType(item.ModelType())
	defer func() {
		e.refreshPending(ctx)
		e.broadcast()
	}()

	if !e.canSync(ctx) {
		if err := e.storage.Save(ctx, models.MarkForDeletion(item)); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		return ConnectionError(offlineMessage, time.Since(start)).WithSource(SourceOfflineCache)
	}

	if item.ID() == "" {
		if err := e.storage.DeleteModel(ctx, item); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		return Success(1, time.Since(start))
	}

	if e.deleteStrategy(item) == models.DeleteWaitForRemote {
		if err := e.repo.DeleteItem(ctx, item); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		if err := e.storage.DeleteModel(ctx, item); err != nil {
			return Failed(err.Error(), time.Since(start))
		}
		return Success(1, time.Since(start))
	}

	if err := e.storage.DeleteModel(ctx, item); err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	if err := e.repo.DeleteItem(ctx, item); err != nil {
		marked := models.MarkForDeletion(item)
		marked.Base().RecordSyncFailure(err.Error())
		if saveErr := e.storage.Save(ctx, marked); saveErr != nil {
			logging.Error("Failed to restore item after remote delete failure", saveErr, map[string]interface{}{
				"model_type": item.ModelType(),
				"id":         item.ID(),
			})
		}
		return Failed(err.Error(), time.Since(start))
	}
	return Success(1, time.Since(start))
}

// PullFromServer fetches remote changes of modelType since the given time, or
// since the last sync when since is nil, and merges them locally.
func (e *Engine) PullFromServer(ctx context.Context, modelType string, since *time.Time) (res *Result) {
	start := time.Now()
	defer e.finish("pull", start, &res)
	e.state.registerType(modelType)

	if !e.canSync(ctx) {
		return ConnectionError(offlineMessage, time.Since(start))
	}
	if since == nil {
		if last := e.state.lastSyncTime(); !last.IsZero() {
			since = &last
		}
	}

	items, err := e.repo.FetchItems(ctx, modelType, FetchParams{Since: since})
	if err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	if len(items) == 0 {
		return NoChanges(time.Since(start))
	}
	if _, err := e.repo.MergeRemote(ctx, items); err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	e.stampLastSync(ctx)
	e.refreshPending(ctx)
	e.broadcast()
	return Success(len(items), time.Since(start)).WithItems(items, SourceRemote)
}

// keepOffline stores item locally for a later sync.
func (e *Engine) keepOffline(ctx context.Context, item models.SyncModel, start time.Time) *Result {
	if err := e.storage.Save(ctx, item); err != nil {
		return Failed(err.Error(), time.Since(start))
	}
	e.refreshPending(ctx)
	e.broadcast()
	logging.Debug("Offline, item kept locally", map[string]interface{}{
		"model_type": item.ModelType(),
		"local_id":   item.LocalID(),
	})
	return ConnectionError(offlineMessage, time.Since(start)).WithSource(SourceOfflineCache)
}

// canSync checks the connectivity requirement and refreshes the connected
// flag.
func (e *Engine) canSync(ctx context.Context) bool {
	if e.state.setConnected(e.connectivity.IsConnected(ctx)) {
		e.broadcast()
	}
	return e.connectivity.IsConnectionSatisfied(ctx, e.options.ConnectivityRequirement)
}

// acquire sets the syncing flag and reports whether this call owns it.
func (e *Engine) acquire() bool {
	if !e.syncing.CompareAndSwap(false, true) {
		return false
	}
	e.broadcast()
	return true
}

// release re-stamps the bookkeeping and, for the owner, clears the flag.
func (e *Engine) release(ctx context.Context, owner, restamp bool) {
	if restamp {
		e.stampLastSync(ctx)
		e.refreshPending(ctx)
	}
	if owner {
		e.syncing.Store(false)
	}
	e.broadcast()
}

func (e *Engine) stampLastSync(ctx context.Context) {
	now := time.Now().UTC()
	e.state.setLastSync(now)
	e.recorder.SetLastSyncTime(now)
	if err := e.storage.SetLastSyncTime(ctx, now); err != nil {
		logging.Warn("Failed to persist last sync time", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) refreshPending(ctx context.Context) {
	n, err := e.storage.GetPendingCount(ctx)
	if err != nil {
		logging.Warn("Failed to count pending changes", map[string]interface{}{"error": err.Error()})
		return
	}
	e.state.setPending(n)
}

func (e *Engine) broadcast() {
	st := e.CurrentStatus()
	e.recorder.SetPendingChanges(st.PendingChanges)
	e.status.publish(st)
}

// finish converts a panic into a failed result and records telemetry.
func (e *Engine) finish(operation string, start time.Time, res **Result) {
	if r := recover(); r != nil {
		err := fmt.Errorf("%v", r)
		logging.ErrorWithCode("Sync operation panicked", string(apperrors.ErrInternal), err, map[string]interface{}{
			"operation": operation,
		})
		*res = Failed(apperrors.Wrap(apperrors.ErrInternal, operation+" panicked", err).Error(), time.Since(start))
	}
	if *res == nil {
		return
	}
	e.recorder.ObserveResult(operation, (*res).Status().String(), (*res).ProcessedItems(), (*res).FailedItems(), (*res).TimeTaken())
}

func (e *Engine) saveStrategy(item models.SyncModel) models.SaveStrategy {
	if s := item.SaveStrategy(); s != models.SaveDefault {
		return s
	}
	if e.options.SaveStrategy != models.SaveDefault {
		return e.options.SaveStrategy
	}
	return models.SaveOptimistic
}

func (e *Engine) deleteStrategy(item models.SyncModel) models.DeleteStrategy {
	if s := item.DeleteStrategy(); s != models.DeleteDefault {
		return s
	}
	if e.options.DeleteStrategy != models.DeleteDefault {
		return e.options.DeleteStrategy
	}
	return models.DeleteOptimistic
}

func (e *Engine) periodicSync(ctx context.Context) {
	res := e.SyncAllPending(ctx)
	logging.Debug("Periodic sync finished", map[string]interface{}{
		"status":    res.Status().String(),
		"processed": res.ProcessedItems(),
		"failed":    res.FailedItems(),
	})
}

// watchConnectivity updates the connected flag and, with AutoSync, starts a
// sweep when connectivity returns with changes pending.
func (e *Engine) watchConnectivity(ch <-chan bool, done chan struct{}) {
	defer close(done)
	prev := e.CurrentStatus().IsConnected
	for connected := range ch {
		e.state.setConnected(connected)
		e.broadcast()
		restored := connected && !prev
		prev = connected
		if !restored {
			continue
		}
		logging.Info("Connectivity restored")
		if e.options.AutoSync && e.state.pendingCount() > 0 && !e.syncing.Load() {
			e.SyncAllPending(e.ctx)
		}
	}
}

func filterChanges(changes models.ChangeSet, fields []string) models.ChangeSet {
	var out models.ChangeSet
	for _, f := range fields {
		if v, ok := changes.Get(f); ok {
			out.Set(f, v)
		}
	}
	return out
}
