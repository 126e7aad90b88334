package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// SyncEngine is the operation surface of Engine. Front ends depend on it so
// they can be tested against a fake.
type SyncEngine interface {
	// SyncItem pushes one item according to its save strategy.
	SyncItem(ctx context.Context, item models.SyncModel) *Result
	SyncItemDelta(ctx context.Context, item models.SyncModel, opts *DeltaOptions) *Result
	SyncAll(ctx context.Context, items []models.SyncModel) *Result
	SyncByModelType(ctx context.Context, modelType string) *Result
	// SyncAllPending sweeps every registered model type; concurrent calls fail.
	SyncAllPending(ctx context.Context) *Result

	FetchItems(ctx context.Context, modelType string, req FetchRequest) *Result
	DeleteItem(ctx context.Context, item models.SyncModel) *Result
	PullFromServer(ctx context.Context, modelType string, since *time.Time) *Result

	CurrentStatus() Status
	Subscribe(buffer int) *Subscription
	RegisteredModelTypes() []string
}

var _ SyncEngine = (*Engine)(nil)
