// Package storage defines the local persistence contract used by the sync engine.
package storage

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Service persists records, their pending state and sync metadata.
//
// Records are keyed by (model type, local id). Lookups by id match either the
// remote id or the local id.
type Service interface {
	Initialize(ctx context.Context) error

	Get(ctx context.Context, id, modelType string) (models.SyncModel, error)
	GetAll(ctx context.Context, modelType string) ([]models.SyncModel, error)
	// GetPending returns records that are unsynced or marked for deletion.
	GetPending(ctx context.Context, modelType string) ([]models.SyncModel, error)
	GetItems(ctx context.Context, modelType string, q Query) ([]models.SyncModel, error)

	Save(ctx context.Context, item models.SyncModel) error
	SaveAll(ctx context.Context, items []models.SyncModel) error
	// Update replaces an existing record and fails with NOT_FOUND otherwise.
	Update(ctx context.Context, item models.SyncModel) error
	Delete(ctx context.Context, id, modelType string) error
	DeleteModel(ctx context.Context, item models.SyncModel) error

	MarkAsSynced(ctx context.Context, id, modelType string) error
	MarkSyncFailed(ctx context.Context, id, modelType, message string) error

	GetPendingCount(ctx context.Context) (int, error)
	// GetLastSyncTime returns the zero time when no sync has completed.
	GetLastSyncTime(ctx context.Context) (time.Time, error)
	SetLastSyncTime(ctx context.Context, t time.Time) error

	ClearAll(ctx context.Context) error
	Close() error
}

// NotFound returns the error reported when a record does not exist.
func NotFound(id, modelType string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "%s %q not found", modelType, id)
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}

// IsPending reports whether a record still needs to reach the remote store.
func IsPending(m models.SyncModel) bool {
	return !m.IsSynced() || m.IsMarkedForDeletion()
}

// Matches reports whether id identifies m by remote or local id.
func Matches(m models.SyncModel, id string) bool {
	return id != "" && (m.ID() == id || m.LocalID() == id)
}
