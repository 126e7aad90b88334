package sync

import (
	"time"

	"github.com/kimhsiao/offlinesync/internal/connectivity"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
)

// Options is the process-wide engine configuration.
type Options struct {
	AutoSync                bool
	SyncInterval            time.Duration
	ConnectivityRequirement connectivity.Requirement
	BidirectionalSync       bool
	SaveStrategy            models.SaveStrategy
	FetchStrategy           models.FetchStrategy
	DeleteStrategy          models.DeleteStrategy
	ConflictPolicy          conflict.ResolutionStrategy
}

// DefaultOptions returns the defaults used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		AutoSync:                true,
		SyncInterval:            5 * time.Minute,
		ConnectivityRequirement: connectivity.RequireAny,
		SaveStrategy:            models.SaveOptimistic,
		FetchStrategy:           models.FetchLocalWithRemoteFallback,
		DeleteStrategy:          models.DeleteOptimistic,
		ConflictPolicy:          conflict.ResolutionStrategyServerWins,
	}
}

// DeltaOptions narrows a delta sync.
type DeltaOptions struct {
	// Fields restricts the delta to these fields; empty sends every change.
	Fields        []string
	RequestConfig *models.RequestConfig
}

// FetchRequest parameterizes Engine.FetchItems.
type FetchRequest struct {
	// Query is a loosely-typed filter; see storage.QueryFromFilter.
	Query        map[string]interface{}
	ForceRefresh bool
	// Strategy overrides Options.FetchStrategy when not FetchDefault.
	Strategy      models.FetchStrategy
	RequestConfig *models.RequestConfig
	Since         *time.Time
	Limit         int
	Offset        int
}

// FetchParams parameterizes Repository.FetchItems.
type FetchParams struct {
	Since         *time.Time
	Limit         int
	Offset        int
	RequestConfig *models.RequestConfig
}
