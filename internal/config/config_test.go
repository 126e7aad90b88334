package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kimhsiao/offlinesync/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offlinesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
sync:
  auto_sync: false
  sync_interval: 90s
  connectivity_requirement: unmetered
  bidirectional: true
  save_strategy: wait-for-remote
  fetch_strategy: remote_first
  delete_strategy: optimistic
  conflict_policy: last_write_wins
storage:
  driver: badger
  path: /var/lib/offlinesync
remote:
  base_url: https://api.example.com
  timeout: 10s
  headers:
    X-Client: offlinesync
connectivity:
  mode: static
  connection_type: ethernet
logging:
  level: debug
  format: console
models:
  - type: Task
    endpoint: /tasks
  - type: Note
    endpoint: /notes
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverBadger, cfg.Storage.Driver)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "offlinesync", cfg.Remote.Headers["X-Client"])
	assert.Equal(t, logging.LogLevel("debug"), cfg.Logging.Level)
	assert.Len(t, cfg.Models, 2)
	// untouched sections keep their defaults
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.ListenAddr)

	opts, err := cfg.SyncOptions()
	require.NoError(t, err)
	assert.False(t, opts.AutoSync)
	assert.Equal(t, 90*time.Second, opts.SyncInterval)
	assert.Equal(t, connectivity.RequireUnmetered, opts.ConnectivityRequirement)
	assert.True(t, opts.BidirectionalSync)
	assert.Equal(t, models.SaveWaitForRemote, opts.SaveStrategy)
	assert.Equal(t, models.FetchRemoteFirst, opts.FetchStrategy)
	assert.Equal(t, models.DeleteOptimistic, opts.DeleteStrategy)
	assert.Equal(t, conflict.ResolutionStrategyLastWriteWins, opts.ConflictPolicy)

	link, err := cfg.LinkType()
	require.NoError(t, err)
	assert.Equal(t, connectivity.ConnectionEthernet, link)
}

func TestLoad_envOverride(t *testing.T) {
	t.Setenv(EnvBaseURL, "http://override:8080")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://override:8080", cfg.Remote.BaseURL)
	assert.Equal(t, "http://override:8080", cfg.ProbeURL())
}

func TestLoad_errors(t *testing.T) {
	t.Setenv(EnvBaseURL, "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	_, err = Load(writeConfig(t, "sync: [not, a, map]"))
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	_, err = Load("")
	assert.ErrorContains(t, err, "base_url")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage driver"},
		{"missing path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad requirement", func(c *Config) { c.Sync.ConnectivityRequirement = "fast" }, "connectivity_requirement"},
		{"bad fetch strategy", func(c *Config) { c.Sync.FetchStrategy = "sometimes" }, "fetch_strategy"},
		{"bad policy", func(c *Config) { c.Sync.ConflictPolicy = "coin_flip" }, "conflict_policy"},
		{"negative interval", func(c *Config) { c.Sync.SyncInterval = -time.Second }, "sync_interval"},
		{"bad mode", func(c *Config) { c.Connectivity.Mode = "psychic" }, "connectivity mode"},
		{"bad link", func(c *Config) { c.Connectivity.ConnectionType = "carrier-pigeon" }, "connection_type"},
		{"probe interval", func(c *Config) { c.Connectivity.ProbeInterval = 0 }, "probe_interval"},
		{"model without endpoint", func(c *Config) { c.Models = []ModelConfig{{Type: "Task"}} }, "endpoint"},
		{"duplicate model", func(c *Config) {
			c.Models = []ModelConfig{{Type: "Task", Endpoint: "/a"}, {Type: "Task", Endpoint: "/b"}}
		}, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Remote.BaseURL = "http://localhost"
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
		})
	}
}

func TestToken(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Token())

	t.Setenv("SYNC_TOKEN", "secret")
	cfg.Remote.TokenEnv = "SYNC_TOKEN"
	assert.Equal(t, "secret", cfg.Token())
}
