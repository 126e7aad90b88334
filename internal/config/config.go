// Package config loads the YAML configuration shared by the daemon and the
// CLI.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"gopkg.in/yaml.v3"
)

// EnvBaseURL overrides remote.base_url when set.
const EnvBaseURL = "OFFLINESYNC_BASE_URL"

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Connectivity modes.
const (
	ModeStatic = "static"
	ModeProbe  = "probe"
)

// Config is the root configuration.
type Config struct {
	Sync         SyncConfig         `yaml:"sync"`
	Storage      StorageConfig      `yaml:"storage"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Logging      logging.Config     `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Server       ServerConfig       `yaml:"server"`
	Models       []ModelConfig      `yaml:"models"`
}

// SyncConfig maps onto sync.Options. Strategy names are those accepted by
// the models.Parse*Strategy functions; empty keeps the default.
type SyncConfig struct {
	AutoSync                bool          `yaml:"auto_sync"`
	SyncInterval            time.Duration `yaml:"sync_interval"`
	ConnectivityRequirement string        `yaml:"connectivity_requirement"`
	Bidirectional           bool          `yaml:"bidirectional"`
	SaveStrategy            string        `yaml:"save_strategy"`
	FetchStrategy           string        `yaml:"fetch_strategy"`
	DeleteStrategy          string        `yaml:"delete_strategy"`
	ConflictPolicy          string        `yaml:"conflict_policy"`
}

// StorageConfig selects the local store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the data directory for sqlite and badger.
	Path string `yaml:"path"`
}

// RemoteConfig configures the HTTP client.
type RemoteConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env"`
}

// ConnectivityConfig selects how connectivity is observed.
type ConnectivityConfig struct {
	Mode           string        `yaml:"mode"`
	ProbeURL       string        `yaml:"probe_url"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ConnectionType string        `yaml:"connection_type"`
}

// MetricsConfig enables the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ModelConfig declares a schemaless model type.
type ModelConfig struct {
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			AutoSync:                true,
			SyncInterval:            5 * time.Minute,
			ConnectivityRequirement: connectivity.RequireAny.String(),
			FetchStrategy:           models.FetchLocalWithRemoteFallback.String(),
			ConflictPolicy:          string(conflict.ResolutionStrategyServerWins),
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "./data",
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			Mode:           ModeProbe,
			ProbeInterval:  30 * time.Second,
			ProbeTimeout:   5 * time.Second,
			ConnectionType: connectivity.ConnectionWiFi.String(),
		},
		Logging: logging.Config{
			Level:  logging.LevelInfo,
			Format: "json",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8090",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "read "+path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "parse "+path, err)
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.Remote.BaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every enumerated value and required field.
func (c *Config) Validate() error {
	if _, err := c.SyncOptions(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBadger:
		if c.Storage.Path == "" {
			return apperrors.Newf(apperrors.ErrConfig, "storage.path is required for %s", c.Storage.Driver)
		}
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown storage driver %q", c.Storage.Driver)
	}

	if c.Remote.BaseURL == "" {
		return apperrors.Newf(apperrors.ErrConfig, "remote.base_url is required (or set %s)", EnvBaseURL)
	}

	switch c.Connectivity.Mode {
	case ModeStatic:
	case ModeProbe:
		if c.Connectivity.ProbeInterval <= 0 {
			return apperrors.New(apperrors.ErrConfig, "connectivity.probe_interval must be positive")
		}
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown connectivity mode %q", c.Connectivity.Mode)
	}
	if _, err := c.LinkType(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Type == "" || m.Endpoint == "" {
			return apperrors.Newf(apperrors.ErrConfig, "models[%d]: type and endpoint are required", i)
		}
		if seen[m.Type] {
			return apperrors.Newf(apperrors.ErrConfig, "models[%d]: duplicate type %q", i, m.Type)
		}
		seen[m.Type] = true
	}
	return nil
}

// SyncOptions converts the sync section into engine options.
func (c *Config) SyncOptions() (sync.Options, error) {
	opts := sync.DefaultOptions()
	s := c.Sync
	opts.AutoSync = s.AutoSync
	opts.SyncInterval = s.SyncInterval
	opts.BidirectionalSync = s.Bidirectional

	if s.SyncInterval < 0 {
		return opts, apperrors.New(apperrors.ErrConfig, "sync.sync_interval must not be negative")
	}
	if s.ConnectivityRequirement != "" {
		r, err := connectivity.ParseRequirement(s.ConnectivityRequirement)
		if err != nil {
			return opts, apperrors.Wrap(apperrors.ErrConfig, "sync.connectivity_requirement", err)
		}
		opts.ConnectivityRequirement = r
	}
	if s.SaveStrategy != "" {
		v, err := models.ParseSaveStrategy(s.SaveStrategy)
		if err != nil {
			return opts, apperrors.Wrap(apperrors.ErrConfig, "sync.save_strategy", err)
		}
		opts.SaveStrategy = v
	}
	if s.FetchStrategy != "" {
		v, err := models.ParseFetchStrategy(s.FetchStrategy)
		if err != nil {
			return opts, apperrors.Wrap(apperrors.ErrConfig, "sync.fetch_strategy", err)
		}
		opts.FetchStrategy = v
	}
	if s.DeleteStrategy != "" {
		v, err := models.ParseDeleteStrategy(s.DeleteStrategy)
		if err != nil {
			return opts, apperrors.Wrap(apperrors.ErrConfig, "sync.delete_strategy", err)
		}
		opts.DeleteStrategy = v
	}
	policy, err := conflict.ParseStrategy(s.ConflictPolicy)
	if err != nil {
		return opts, apperrors.Wrap(apperrors.ErrConfig, "sync.conflict_policy", err)
	}
	opts.ConflictPolicy = policy
	return opts, nil
}

// LinkType parses connectivity.connection_type. Empty means wifi.
func (c *Config) LinkType() (connectivity.ConnectionType, error) {
	if c.Connectivity.ConnectionType == "" {
		return connectivity.ConnectionWiFi, nil
	}
	t, err := connectivity.ParseConnectionType(c.Connectivity.ConnectionType)
	if err != nil {
		return connectivity.ConnectionNone, apperrors.Wrap(apperrors.ErrConfig, "connectivity.connection_type", err)
	}
	return t, nil
}

// Token returns the bearer token from the configured environment variable.
func (c *Config) Token() string {
	if c.Remote.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Remote.TokenEnv)
}

// ProbeURL returns the probe URL, falling back to the remote base URL.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.BaseURL
}
