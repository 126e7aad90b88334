// Package app assembles a running sync engine from configuration.
package app

import (
	"context"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
	"github.com/kimhsiao/offlinesync/internal/storage/badger"
	"github.com/kimhsiao/offlinesync/internal/storage/memory"
	"github.com/kimhsiao/offlinesync/internal/storage/sqlite"
	"github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/telemetry"
	"github.com/kimhsiao/offlinesync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns the engine and the collaborators built for it.
type App struct {
	Config   *config.Config
	Engine   *sync.Engine
	Storage  storage.Service
	Registry *models.Registry
	// Metrics is nil unless metrics are enabled.
	Metrics *prometheus.Registry
	// Static is set in static connectivity mode so callers can report links.
	Static *connectivity.Static

	monitor *connectivity.Monitor
}

// Options tweaks how Build wires the engine.
type Options struct {
	// Client replaces the HTTP client built from the remote section.
	Client transport.Client
	// DisableAutoSync forces AutoSync off, for one-shot commands.
	DisableAutoSync bool
}

// Build creates the collaborators described by cfg and starts the engine.
func Build(ctx context.Context, cfg *config.Config, o Options) (*App, error) {
	a := &App{Config: cfg, Registry: NewRegistry(cfg.Models)}

	store, err := OpenStorage(cfg.Storage, a.Registry)
	if err != nil {
		return nil, err
	}
	a.Storage = store

	client := o.Client
	if client == nil {
		client = transport.NewHTTPClient(transport.Config{
			BaseURL: cfg.Remote.BaseURL,
			Headers: cfg.Remote.Headers,
			Timeout: cfg.Remote.Timeout,
			Token: func(context.Context) (string, error) {
				return cfg.Token(), nil
			},
		})
	}

	conn, err := a.connectivity(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var recorder telemetry.Recorder = telemetry.Nop()
	if cfg.Metrics.Enabled {
		a.Metrics = prometheus.NewRegistry()
		a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p, err := telemetry.NewPrometheus(a.Metrics)
		if err != nil {
			a.Close()
			return nil, err
		}
		recorder = p
	}

	opts, err := cfg.SyncOptions()
	if err != nil {
		a.Close()
		return nil, err
	}
	if o.DisableAutoSync {
		opts.AutoSync = false
	}

	engine, err := sync.NewEngine(sync.Dependencies{
		Storage:      store,
		Client:       client,
		Connectivity: conn,
		Registry:     a.Registry,
		Recorder:     recorder,
	}, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine
	if err := engine.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logging.Info("Application assembled", map[string]interface{}{
		"storage":      cfg.Storage.Driver,
		"connectivity": cfg.Connectivity.Mode,
		"models":       a.Registry.Types(),
		"metrics":      cfg.Metrics.Enabled,
	})
	return a, nil
}

// NewRegistry registers a schemaless Record factory for every configured
// model type.
func NewRegistry(defs []config.ModelConfig) *models.Registry {
	reg := models.NewRegistry()
	for _, d := range defs {
		reg.Register(d.Type, d.Endpoint, models.RecordFactory(d.Type, d.Endpoint))
	}
	return reg
}

// OpenStorage opens and initializes the configured store.
func OpenStorage(cfg config.StorageConfig, registry *models.Registry) (storage.Service, error) {
	var (
		store storage.Service
		err   error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		store = memory.New()
	case config.DriverSQLite:
		store, err = sqlite.Open(cfg.Path, registry)
	case config.DriverBadger:
		store, err = badger.Open(badger.Options{Dir: cfg.Path, SyncWrites: true}, registry)
	default:
		return nil, apperrors.Newf(apperrors.ErrConfig, "unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *App) connectivity(ctx context.Context) (connectivity.Service, error) {
	link, err := a.Config.LinkType()
	if err != nil {
		return nil, err
	}
	if a.Config.Connectivity.Mode == config.ModeStatic {
		a.Static = connectivity.NewStatic(link)
		return a.Static, nil
	}
	a.monitor = connectivity.NewMonitor(connectivity.MonitorConfig{
		ProbeURL: a.Config.ProbeURL(),
		Interval: a.Config.Connectivity.ProbeInterval,
		Timeout:  a.Config.Connectivity.ProbeTimeout,
		LinkType: link,
	})
	a.monitor.Start(ctx)
	return a.monitor, nil
}

// Close disposes the engine, stops probing and closes storage.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Dispose()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.Static != nil {
		a.Static.Close()
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			logging.Warn("Failed to close storage", map[string]interface{}{"error": err.Error()})
		}
	}
}
