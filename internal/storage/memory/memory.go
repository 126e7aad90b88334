// Package memory provides a map-backed storage.Service.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
)

// Store keeps records in memory. Records are cloned on the way in and out.
type Store struct {
	mu       sync.RWMutex
	records  map[string]map[string]models.SyncModel // type -> local id -> record
	lastSync time.Time
}

var _ storage.Service = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string]map[string]models.SyncModel)}
}

func (s *Store) Initialize(ctx context.Context) error { return nil }
func (s *Store) Close() error                         { return nil }

// find returns the local key of the record matching id.
func (s *Store) find(id, modelType string) (string, models.SyncModel) {
	for key, m := range s.records[modelType] {
		if storage.Matches(m, id) {
			return key, m
		}
	}
	return "", nil
}

func (s *Store) Get(ctx context.Context, id, modelType string) (models.SyncModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, m := s.find(id, modelType); m != nil {
		return m.Clone(), nil
	}
	return nil, storage.NotFound(id, modelType)
}

func (s *Store) list(modelType string, keep func(models.SyncModel) bool) []models.SyncModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SyncModel, 0, len(s.records[modelType]))
	for _, m := range s.records[modelType] {
		if keep == nil || keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].LocalID() < out[j].LocalID()
	})
	return out
}

func (s *Store) GetAll(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	return s.list(modelType, nil), nil
}

func (s *Store) GetPending(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	return s.list(modelType, storage.IsPending), nil
}

func (s *Store) GetItems(ctx context.Context, modelType string, q storage.Query) ([]models.SyncModel, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return storage.Apply(s.list(modelType, nil), q), nil
}

// put stores a clone of item, reusing the local key of a record with the same remote id.
func (s *Store) put(item models.SyncModel) {
	c := item.Clone()
	byKey, ok := s.records[c.ModelType()]
	if !ok {
		byKey = make(map[string]models.SyncModel)
		s.records[c.ModelType()] = byKey
	}
	if c.ID() != "" {
		for key, m := range byKey {
			if m.ID() == c.ID() && key != c.LocalID() {
				delete(byKey, key)
				meta := c.Base().Meta()
				meta.LocalID = key
				c.Base().SetMeta(meta)
				break
			}
		}
	}
	byKey[c.LocalID()] = c
}

func (s *Store) Save(ctx context.Context, item models.SyncModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(item)
	return nil
}

func (s *Store) SaveAll(ctx context.Context, items []models.SyncModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.put(item)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, item models.SyncModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, existing := s.find(item.LocalID(), item.ModelType())
	if existing == nil {
		key, existing = s.find(item.ID(), item.ModelType())
	}
	if existing == nil {
		return storage.NotFound(item.LocalID(), item.ModelType())
	}
	c := item.Clone()
	meta := c.Base().Meta()
	meta.LocalID = key
	c.Base().SetMeta(meta)
	s.records[item.ModelType()][key] = c
	return nil
}

func (s *Store) Delete(ctx context.Context, id, modelType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, m := s.find(id, modelType); m != nil {
		delete(s.records[modelType], key)
	}
	return nil
}

func (s *Store) DeleteModel(ctx context.Context, item models.SyncModel) error {
	return s.Delete(ctx, item.LocalID(), item.ModelType())
}

func (s *Store) mutate(id, modelType string, fn func(*models.BaseModel)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m := s.find(id, modelType)
	if m == nil {
		return storage.NotFound(id, modelType)
	}
	fn(m.Base())
	return nil
}

func (s *Store) MarkAsSynced(ctx context.Context, id, modelType string) error {
	return s.mutate(id, modelType, (*models.BaseModel).MarkSynced)
}

func (s *Store) MarkSyncFailed(ctx context.Context, id, modelType, message string) error {
	return s.mutate(id, modelType, func(b *models.BaseModel) { b.RecordSyncFailure(message) })
}

func (s *Store) GetPendingCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byKey := range s.records {
		for _, m := range byKey {
			if storage.IsPending(m) {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) GetLastSyncTime(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync, nil
}

func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]map[string]models.SyncModel)
	s.lastSync = time.Time{}
	return nil
}
