// Package conflict decides which copy survives when a remote record arrives
// for an item that still has unsynced local changes.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyServerWins stores the remote record as synced.
	ResolutionStrategyServerWins ResolutionStrategy = "server_wins"
	// ResolutionStrategyClientWins keeps the pending local edit.
	ResolutionStrategyClientWins ResolutionStrategy = "client_wins"
	// ResolutionStrategyLastWriteWins keeps the newer UpdatedAt; ties go to local.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// ParseStrategy parses a strategy name. Empty selects server_wins.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResolutionStrategyServerWins:
		return ResolutionStrategyServerWins, nil
	case ResolutionStrategyClientWins:
		return ResolutionStrategyClientWins, nil
	case ResolutionStrategyLastWriteWins:
		return ResolutionStrategyLastWriteWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = ResolutionStrategyServerWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict represents a remote record meeting a pending local record.
type Conflict struct {
	ItemID          string
	Local           models.SyncModel
	Remote          models.SyncModel
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
	DetectedAt      time.Time
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner     models.SyncModel
	Loser      models.SyncModel
	Strategy   ResolutionStrategy
	Resolution string // local_wins or remote_wins
}

// LocalWins reports whether the local copy survived.
func (r *ResolveResult) LocalWins() bool {
	return r.Resolution == "local_wins"
}

// DetectConflict reports a conflict when local still has unsynced changes.
func (r *Resolver) DetectConflict(local, remote models.SyncModel) (*Conflict, bool) {
	// No conflict if one item doesn't exist
	if local == nil || remote == nil {
		return nil, false
	}
	if local.IsSynced() && !local.IsMarkedForDeletion() {
		return nil, false
	}

	c := &Conflict{
		ItemID:          remote.ID(),
		Local:           local,
		Remote:          remote,
		LocalTimestamp:  local.UpdatedAt(),
		RemoteTimestamp: remote.UpdatedAt(),
		DetectedAt:      time.Now(),
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"item_id":          c.ItemID,
			"model_type":       remote.ModelType(),
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})

	return c, true
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ModelType() != c.Remote.ModelType() {
		return nil, ErrItemIDMismatch
	}

	localWins := false
	switch r.strategy {
	case ResolutionStrategyClientWins:
		localWins = true
	case ResolutionStrategyLastWriteWins:
		localWins = !c.Local.UpdatedAt().Before(c.Remote.UpdatedAt())
	}

	result := &ResolveResult{Strategy: r.strategy}
	if localWins {
		result.Winner, result.Loser, result.Resolution = c.Local, c.Remote, "local_wins"
	} else {
		result.Winner, result.Loser, result.Resolution = c.Remote, c.Local, "remote_wins"
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"item_id":          c.ItemID,
			"strategy":         r.strategy,
			"resolution":       result.Resolution,
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})

	return result, nil
}

// ResolveMultiple resolves multiple conflicts in batch.
func (r *Resolver) ResolveMultiple(conflicts []*Conflict) ([]*ResolveResult, error) {
	results := make([]*ResolveResult, 0, len(conflicts))
	for _, c := range conflicts {
		result, err := r.Resolve(c)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Merge returns the record to persist for an incoming remote record, stamped
// synced, or nil when the local copy must be kept. local may be nil.
func (r *Resolver) Merge(local, remote models.SyncModel) models.SyncModel {
	incoming := models.MarkSynced(remote)
	c, ok := r.DetectConflict(local, incoming)
	if !ok {
		return incoming
	}
	result, err := r.Resolve(c)
	if err != nil || !result.LocalWins() {
		return incoming
	}
	return nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both items must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item model type mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
