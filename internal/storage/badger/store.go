// Package badger provides a storage.Service backed by BadgerDB.
//
// Key layout:
//
//	rec/<type>/<local id>  -> storage.Envelope JSON
//	idx/<type>/<remote id> -> local id
//	meta/last_sync         -> RFC3339Nano timestamp
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
)

var lastSyncKey = []byte("meta/last_sync")

// Options configures the Badger store.
type Options struct {
	// Dir is the data directory; ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Store implements storage.Service on BadgerDB.
type Store struct {
	db       *badgerdb.DB
	registry *models.Registry
}

var _ storage.Service = (*Store)(nil)

// Open opens (or creates) a Badger database.
func Open(opts Options, registry *models.Registry) (*Store, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, apperrors.New(apperrors.ErrConfig, "badger data directory is not configured")
		}
		if err := os.MkdirAll(opts.Dir, 0700); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "create badger data directory", err)
		}
		bopts = badgerdb.DefaultOptions(opts.Dir)
		bopts.SyncWrites = opts.SyncWrites
	}

	// Keep the cache footprint small; records are tiny JSON documents
	bopts.BlockCacheSize = 16 << 20
	bopts.IndexCacheSize = 16 << 20
	bopts.NumMemtables = 2
	bopts.Logger = newBadgerLogger(logging.Get())

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "open badger", err)
	}
	return &Store{db: db, registry: registry}, nil
}

func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) Close() error {
	return s.db.Close()
}

func recPrefix(modelType string) []byte {
	return []byte("rec/" + modelType + "/")
}

func recKey(modelType, localID string) []byte {
	return []byte("rec/" + modelType + "/" + localID)
}

func idxKey(modelType, id string) []byte {
	return []byte("idx/" + modelType + "/" + id)
}

func readEnvelope(txn *badgerdb.Txn, key []byte) (*storage.Envelope, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var env storage.Envelope
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &env, nil
}

// resolve finds the local key for id, checking local ids first and then the
// remote id index.
func resolve(txn *badgerdb.Txn, id, modelType string) (string, *storage.Envelope, error) {
	if id == "" {
		return "", nil, badgerdb.ErrKeyNotFound
	}
	env, err := readEnvelope(txn, recKey(modelType, id))
	if err == nil {
		return id, env, nil
	}
	if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", nil, err
	}

	item, err := txn.Get(idxKey(modelType, id))
	if err != nil {
		return "", nil, err
	}
	localID, err := item.ValueCopy(nil)
	if err != nil {
		return "", nil, err
	}
	env, err = readEnvelope(txn, recKey(modelType, string(localID)))
	if err != nil {
		return "", nil, err
	}
	if env.ID != id {
		// stale index entry
		return "", nil, badgerdb.ErrKeyNotFound
	}
	return string(localID), env, nil
}

func (s *Store) notFoundOr(err error, id, modelType, op string) error {
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return storage.NotFound(id, modelType)
	}
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}

func (s *Store) Get(ctx context.Context, id, modelType string) (models.SyncModel, error) {
	var env *storage.Envelope
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		_, env, err = resolve(txn, id, modelType)
		return err
	})
	if err != nil {
		return nil, s.notFoundOr(err, id, modelType, "get record")
	}
	return env.Model(s.registry)
}

// scan decodes every record of modelType accepted by keep.
func (s *Store) scan(modelType string, keep func(*storage.Envelope) bool) ([]models.SyncModel, error) {
	var envs []storage.Envelope
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := recPrefix(modelType)
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env storage.Envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			if keep == nil || keep(&env) {
				envs = append(envs, env)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "scan "+modelType, err)
	}

	sort.Slice(envs, func(i, j int) bool {
		if !envs[i].CreatedAt.Equal(envs[j].CreatedAt) {
			return envs[i].CreatedAt.Before(envs[j].CreatedAt)
		}
		return envs[i].LocalID < envs[j].LocalID
	})

	out := make([]models.SyncModel, 0, len(envs))
	for _, env := range envs {
		m, err := env.Model(s.registry)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func pending(env *storage.Envelope) bool {
	return !env.Synced || env.MarkedForDeletion
}

func (s *Store) GetAll(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	return s.scan(modelType, nil)
}

func (s *Store) GetPending(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	return s.scan(modelType, pending)
}

// GetItems evaluates q in memory over the type's records.
func (s *Store) GetItems(ctx context.Context, modelType string, q storage.Query) ([]models.SyncModel, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	all, err := s.scan(modelType, nil)
	if err != nil {
		return nil, err
	}
	return storage.Apply(all, q), nil
}

// put writes env under key, keeping the remote id index consistent.
func put(txn *badgerdb.Txn, env storage.Envelope, key string) error {
	if key == "" {
		key = env.LocalID
	}

	if env.ID != "" {
		item, err := txn.Get(idxKey(env.ModelType, env.ID))
		switch {
		case err == nil:
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(existing) != key {
				if _, err := readEnvelope(txn, recKey(env.ModelType, string(existing))); err == nil {
					if err := txn.Delete(recKey(env.ModelType, key)); err != nil {
						return err
					}
					key = string(existing)
				}
			}
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}
	}

	if old, err := readEnvelope(txn, recKey(env.ModelType, key)); err == nil {
		if old.ID != "" && old.ID != env.ID {
			if err := txn.Delete(idxKey(env.ModelType, old.ID)); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return err
	}

	env.LocalID = key
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := txn.Set(recKey(env.ModelType, key), data); err != nil {
		return err
	}
	if env.ID != "" {
		return txn.Set(idxKey(env.ModelType, env.ID), []byte(key))
	}
	return nil
}

func (s *Store) Save(ctx context.Context, item models.SyncModel) error {
	return s.SaveAll(ctx, []models.SyncModel{item})
}

func (s *Store) SaveAll(ctx context.Context, items []models.SyncModel) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, item := range items {
			if err := put(txn, storage.EnvelopeOf(item), ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "save records", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, item models.SyncModel) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key, _, err := resolve(txn, item.LocalID(), item.ModelType())
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			key, _, err = resolve(txn, item.ID(), item.ModelType())
		}
		if err != nil {
			return err
		}
		return put(txn, storage.EnvelopeOf(item), key)
	})
	if err != nil {
		return s.notFoundOr(err, item.LocalID(), item.ModelType(), "update record")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id, modelType string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key, env, err := resolve(txn, id, modelType)
		if err != nil {
			return err
		}
		if env.ID != "" {
			if err := txn.Delete(idxKey(modelType, env.ID)); err != nil {
				return err
			}
		}
		return txn.Delete(recKey(modelType, key))
	})
	if err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return apperrors.Wrap(apperrors.ErrStorage, "delete record", err)
	}
	return nil
}

func (s *Store) DeleteModel(ctx context.Context, item models.SyncModel) error {
	return s.Delete(ctx, item.LocalID(), item.ModelType())
}

func (s *Store) mutate(id, modelType string, fn func(*models.BaseModel)) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		key, env, err := resolve(txn, id, modelType)
		if err != nil {
			return err
		}
		m, err := env.Model(s.registry)
		if err != nil {
			return err
		}
		fn(m.Base())
		return put(txn, storage.EnvelopeOf(m), key)
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrFactoryMissing) {
			return err
		}
		return s.notFoundOr(err, id, modelType, "update sync state")
	}
	return nil
}

func (s *Store) MarkAsSynced(ctx context.Context, id, modelType string) error {
	return s.mutate(id, modelType, (*models.BaseModel).MarkSynced)
}

func (s *Store) MarkSyncFailed(ctx context.Context, id, modelType, message string) error {
	return s.mutate(id, modelType, func(b *models.BaseModel) { b.RecordSyncFailure(message) })
}

func (s *Store) GetPendingCount(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte("rec/")
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env storage.Envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}
			if pending(&env) {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "count pending", err)
	}
	return n, nil
}

func (s *Store) GetLastSyncTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(lastSyncKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(val))
			t = parsed.UTC()
			return err
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrStorage, "read last sync time", err)
	}
	return t, nil
}

func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(lastSyncKey, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write last sync time", err)
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "clear badger", err)
	}
	return nil
}

// badgerLogger routes Badger's internal logging to the structured logger.
type badgerLogger struct {
	logger *logging.Logger
}

func newBadgerLogger(logger *logging.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("[BadgerDB] "+fmt.Sprintf(format, args...), nil)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn("[BadgerDB] " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("[BadgerDB] " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug("[BadgerDB] " + fmt.Sprintf(format, args...))
}
