package models

import (
	"fmt"
	"time"

	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// SyncModel is the capability set every synchronizable entity exposes.
//
// Concrete types embed BaseModel, which supplies the sync metadata, and
// implement ModelType, Endpoint, ToJSON and Clone.
type SyncModel interface {
	// ID is the remote identifier; empty until the remote store confirms a create.
	ID() string
	// LocalID is the stable local key, assigned before the first save.
	LocalID() string
	ModelType() string
	// Endpoint is the collection path, e.g. "/tasks".
	Endpoint() string
	IsSynced() bool
	IsMarkedForDeletion() bool
	ChangedFields() ChangeSet
	CreatedAt() time.Time
	UpdatedAt() time.Time
	SyncError() string
	SyncAttempts() int

	// RequestConfig returns the per-method override, or nil.
	RequestConfig(method HTTPMethod) *RequestConfig
	SaveStrategy() SaveStrategy
	FetchStrategy() FetchStrategy
	DeleteStrategy() DeleteStrategy

	// ToJSON serializes the full record.
	ToJSON() map[string]interface{}
	// ToDeltaJSON serializes only the changed fields.
	ToDeltaJSON() map[string]interface{}

	// Base exposes the mutable sync metadata.
	Base() *BaseModel
	// Clone returns a deep copy sharing no mutable state.
	Clone() SyncModel
}

// Meta is the persisted form of the sync metadata.
type Meta struct {
	ID                string
	LocalID           string
	Synced            bool
	MarkedForDeletion bool
	Changes           []FieldChange
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SyncError         string
	SyncAttempts      int
}

// BaseModel carries sync metadata for a SyncModel.
type BaseModel struct {
	id                string
	localID           string
	synced            bool
	markedForDeletion bool
	changes           ChangeSet
	createdAt         time.Time
	updatedAt         time.Time
	syncError         string
	syncAttempts      int

	requestConfigs RequestConfigs
	saveStrategy   SaveStrategy
	fetchStrategy  FetchStrategy
	deleteStrategy DeleteStrategy
}

func now() time.Time {
	return time.Now().UTC().Round(0)
}

// NewBaseModel creates metadata for a record with the given remote id
// (empty for records not yet created remotely).
func NewBaseModel(id string) BaseModel {
	ts := now()
	return BaseModel{
		id:        id,
		localID:   uuid.New(),
		createdAt: ts,
		updatedAt: ts,
	}
}

func (b *BaseModel) ID() string                { return b.id }
func (b *BaseModel) IsSynced() bool            { return b.synced }
func (b *BaseModel) IsMarkedForDeletion() bool { return b.markedForDeletion }
func (b *BaseModel) ChangedFields() ChangeSet  { return b.changes.Clone() }
func (b *BaseModel) CreatedAt() time.Time      { return b.createdAt }
func (b *BaseModel) UpdatedAt() time.Time      { return b.updatedAt }
func (b *BaseModel) SyncError() string         { return b.syncError }
func (b *BaseModel) SyncAttempts() int         { return b.syncAttempts }
func (b *BaseModel) Base() *BaseModel          { return b }

// LocalID returns the local key, assigning one on first use.
func (b *BaseModel) LocalID() string {
	b.localID = uuid.Ensure(b.localID)
	return b.localID
}

// SetID stores the identifier assigned by the remote store.
func (b *BaseModel) SetID(id string) {
	b.id = id
}

// SetField records a local change; the record becomes pending.
func (b *BaseModel) SetField(field string, value interface{}) {
	b.changes.Set(field, value)
	b.synced = false
	b.updatedAt = now()
}

// MarkSynced clears pending changes and any recorded failure.
func (b *BaseModel) MarkSynced() {
	b.synced = true
	b.changes.Clear()
	b.syncError = ""
	b.syncAttempts = 0
}

// AcknowledgeFields drops the changes the remote store has accepted. The
// record becomes synced only when nothing else is pending.
func (b *BaseModel) AcknowledgeFields(fields []string) {
	b.changes.Remove(fields...)
	if b.changes.Len() == 0 && !b.markedForDeletion {
		b.MarkSynced()
		return
	}
	b.synced = false
	b.syncError = ""
	b.syncAttempts = 0
}

// MarkUnsynced flags the record as pending without recording a field.
func (b *BaseModel) MarkUnsynced() {
	b.synced = false
	b.updatedAt = now()
}

// MarkForDeletion flags the record for a remote delete.
func (b *BaseModel) MarkForDeletion() {
	b.markedForDeletion = true
	b.synced = false
	b.updatedAt = now()
}

// RecordSyncFailure stores the last failure message and bumps the attempt count.
func (b *BaseModel) RecordSyncFailure(message string) {
	b.syncError = message
	b.syncAttempts++
}

// SetUpdatedAt overrides the modification time.
func (b *BaseModel) SetUpdatedAt(t time.Time) {
	b.updatedAt = t.UTC().Round(0)
}

// RequestConfig returns the per-method override, or nil.
func (b *BaseModel) RequestConfig(method HTTPMethod) *RequestConfig {
	return b.requestConfigs[method]
}

// SetRequestConfig installs a per-method override.
func (b *BaseModel) SetRequestConfig(method HTTPMethod, cfg *RequestConfig) {
	if b.requestConfigs == nil {
		b.requestConfigs = make(RequestConfigs)
	}
	b.requestConfigs[method] = cfg
}

func (b *BaseModel) SaveStrategy() SaveStrategy         { return b.saveStrategy }
func (b *BaseModel) FetchStrategy() FetchStrategy       { return b.fetchStrategy }
func (b *BaseModel) DeleteStrategy() DeleteStrategy     { return b.deleteStrategy }
func (b *BaseModel) SetSaveStrategy(s SaveStrategy)     { b.saveStrategy = s }
func (b *BaseModel) SetFetchStrategy(s FetchStrategy)   { b.fetchStrategy = s }
func (b *BaseModel) SetDeleteStrategy(s DeleteStrategy) { b.deleteStrategy = s }

// ToDeltaJSON serializes only the changed fields.
func (b *BaseModel) ToDeltaJSON() map[string]interface{} {
	return b.changes.ToMap()
}

// CloneBase returns a deep copy of the metadata.
func (b *BaseModel) CloneBase() BaseModel {
	out := *b
	out.changes = b.changes.Clone()
	out.requestConfigs = b.requestConfigs.clone()
	return out
}

// Meta returns the persisted form of the metadata.
func (b *BaseModel) Meta() Meta {
	return Meta{
		ID:                b.id,
		LocalID:           b.LocalID(),
		Synced:            b.synced,
		MarkedForDeletion: b.markedForDeletion,
		Changes:           b.changes.Entries(),
		CreatedAt:         b.createdAt,
		UpdatedAt:         b.updatedAt,
		SyncError:         b.syncError,
		SyncAttempts:      b.syncAttempts,
	}
}

// SetMeta restores metadata read back from storage.
func (b *BaseModel) SetMeta(m Meta) {
	b.id = m.ID
	b.localID = uuid.Ensure(m.LocalID)
	b.synced = m.Synced
	b.markedForDeletion = m.MarkedForDeletion
	b.changes = NewChangeSet(m.Changes...)
	b.createdAt = m.CreatedAt
	b.updatedAt = m.UpdatedAt
	b.syncError = m.SyncError
	b.syncAttempts = m.SyncAttempts
}

// DecodeBase reads id and timestamps from a remote payload.
func (b *BaseModel) DecodeBase(data map[string]interface{}) {
	if id, ok := data["id"]; ok && id != nil {
		b.id = stringify(id)
	}
	if t, ok := parseTime(data["created_at"]); ok {
		b.createdAt = t
	}
	if t, ok := parseTime(data["updated_at"]); ok {
		b.updatedAt = t
	}
}

// IDString renders a decoded JSON id (string or number) as a string.
func IDString(v interface{}) string {
	if v == nil {
		return ""
	}
	return stringify(v)
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC().Round(0), true
}

// MarkSynced returns a synced copy of m.
func MarkSynced(m SyncModel) SyncModel {
	c := m.Clone()
	c.Base().MarkSynced()
	return c
}

// Acknowledge returns a copy of m with fields removed from its changes.
func Acknowledge(m SyncModel, fields []string) SyncModel {
	c := m.Clone()
	c.Base().AcknowledgeFields(fields)
	return c
}

// MarkForDeletion returns a copy of m flagged for deletion.
func MarkForDeletion(m SyncModel) SyncModel {
	c := m.Clone()
	c.Base().MarkForDeletion()
	return c
}
