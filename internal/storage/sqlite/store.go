package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/storage"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const lastSyncKey = "last_sync_time"

const recordColumns = `model_type, local_id, id, is_synced, marked_for_deletion, payload, changes,
	created_at, updated_at, sync_error, sync_attempts`

// Store persists records in the sync_records table.
type Store struct {
	db       *sql.DB
	registry *models.Registry
	ownsDB   bool

	// Prepared statement cache, keyed by query string
	stmtCache sync.Map // map[string]*sql.Stmt
}

var _ storage.Service = (*Store)(nil)

// New creates a Store over an open database. The caller keeps ownership of db.
func New(db *sql.DB, registry *models.Registry) *Store {
	return &Store{db: db, registry: registry}
}

// Open opens the database in dataDir and returns a Store that closes it on Close.
func Open(dataDir string, registry *models.Registry) (*Store, error) {
	db, err := OpenDB(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "open sqlite store", err)
	}
	s := New(db, registry)
	s.ownsDB = true
	return s, nil
}

// Initialize applies pending schema migrations.
func (s *Store) Initialize(ctx context.Context) error {
	m := NewMigrator(s.db)
	if err := m.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	if err := m.Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}
	return nil
}

// prepare gets or creates a prepared statement from the cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use the existing one
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes cached statements and, for stores created by Open, the database.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	if s.ownsDB {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =====================================================
// Row encoding
// =====================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scan(row rowScanner) (models.SyncModel, error) {
	var (
		modelType, localID, id        string
		synced, marked, attempts      int
		payload, changes              string
		createdAt, updatedAt, syncErr string
	)
	if err := row.Scan(&modelType, &localID, &id, &synced, &marked, &payload, &changes,
		&createdAt, &updatedAt, &syncErr, &attempts); err != nil {
		return nil, err
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode payload of "+localID, err)
	}
	var fieldChanges []models.FieldChange
	if err := json.Unmarshal([]byte(changes), &fieldChanges); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode changes of "+localID, err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode created_at of "+localID, err)
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode updated_at of "+localID, err)
	}

	m, err := s.registry.Decode(modelType, data)
	if err != nil {
		return nil, err
	}
	m.Base().SetMeta(models.Meta{
		ID:                id,
		LocalID:           localID,
		Synced:            synced == 1,
		MarkedForDeletion: marked == 1,
		Changes:           fieldChanges,
		CreatedAt:         created,
		UpdatedAt:         updated,
		SyncError:         syncErr,
		SyncAttempts:      attempts,
	})
	return m, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]models.SyncModel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "query records", err)
	}
	defer rows.Close()

	out := []models.SyncModel{}
	for rows.Next() {
		m, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "iterate records", err)
	}
	return out, nil
}

// =====================================================
// Reads
// =====================================================

func (s *Store) Get(ctx context.Context, id, modelType string) (models.SyncModel, error) {
	if id == "" {
		return nil, storage.NotFound(id, modelType)
	}
	stmt, err := s.prepare(ctx, `SELECT `+recordColumns+` FROM sync_records
		WHERE model_type = ? AND (local_id = ? OR id = ?) LIMIT 1`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get record", err)
	}
	m, err := s.scan(stmt.QueryRowContext(ctx, modelType, id, id))
	if err == sql.ErrNoRows {
		return nil, storage.NotFound(id, modelType)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get record", err)
	}
	return m, nil
}

func (s *Store) GetAll(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM sync_records
		WHERE model_type = ? ORDER BY created_at, local_id`, modelType)
}

func (s *Store) GetPending(ctx context.Context, modelType string) ([]models.SyncModel, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM sync_records
		WHERE model_type = ? AND (is_synced = 0 OR marked_for_deletion = 1)
		ORDER BY created_at, local_id`, modelType)
}

// column maps a query field to a column or a json_extract over the payload.
// The field is validated before it reaches here.
func column(field string) string {
	switch field {
	case storage.FieldID, storage.FieldLocalID, storage.FieldIsSynced,
		storage.FieldCreatedAt, storage.FieldUpdatedAt:
		return field
	}
	return fmt.Sprintf("json_extract(payload, '$.%s')", field)
}

func argument(v interface{}) interface{} {
	switch x := v.(type) {
	case bool:
		return boolInt(x)
	case time.Time:
		return formatTime(x)
	case int, int32, int64, float32, float64, string:
		return x
	}
	return fmt.Sprint(v)
}

// GetItems compiles q into SQL.
func (s *Store) GetItems(ctx context.Context, modelType string, q storage.Query) ([]models.SyncModel, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []interface{}{modelType}
	sb.WriteString(`SELECT ` + recordColumns + ` FROM sync_records WHERE model_type = ?`)
	for _, c := range q.Conditions {
		if c.Value == nil {
			sb.WriteString(" AND " + column(c.Field) + " IS NULL")
			continue
		}
		sb.WriteString(" AND " + column(c.Field) + " = ?")
		args = append(args, argument(c.Value))
	}

	sb.WriteString(" ORDER BY ")
	if q.OrderBy != "" {
		sb.WriteString(column(q.OrderBy))
		if q.Descending {
			sb.WriteString(" DESC")
		}
		sb.WriteString(", ")
	}
	sb.WriteString("created_at, local_id")

	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	return s.queryRecords(ctx, sb.String(), args...)
}

// =====================================================
// Writes
// =====================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// put upserts item, reusing the local key of a row with the same remote id.
func (s *Store) put(ctx context.Context, ex execer, item models.SyncModel, localID string) error {
	meta := item.Base().Meta()
	if localID == "" {
		localID = meta.LocalID
	}

	if meta.ID != "" {
		var existing string
		err := ex.QueryRowContext(ctx, `SELECT local_id FROM sync_records
			WHERE model_type = ? AND id = ? AND local_id <> ? LIMIT 1`,
			item.ModelType(), meta.ID, localID).Scan(&existing)
		switch {
		case err == nil:
			if _, err := ex.ExecContext(ctx, `DELETE FROM sync_records WHERE model_type = ? AND local_id = ?`,
				item.ModelType(), localID); err != nil {
				return err
			}
			localID = existing
		case err != sql.ErrNoRows:
			return err
		}
	}

	payload, err := json.Marshal(item.ToJSON())
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	changes := meta.Changes
	if changes == nil {
		changes = []models.FieldChange{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO sync_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_type, local_id) DO UPDATE SET
			id = excluded.id,
			is_synced = excluded.is_synced,
			marked_for_deletion = excluded.marked_for_deletion,
			payload = excluded.payload,
			changes = excluded.changes,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			sync_error = excluded.sync_error,
			sync_attempts = excluded.sync_attempts`,
		item.ModelType(), localID, meta.ID, boolInt(meta.Synced), boolInt(meta.MarkedForDeletion),
		string(payload), string(changesJSON), formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt),
		meta.SyncError, meta.SyncAttempts)
	return err
}

func (s *Store) Save(ctx context.Context, item models.SyncModel) error {
	return s.SaveAll(ctx, []models.SyncModel{item})
}

// SaveAll writes all items in one transaction.
func (s *Store) SaveAll(ctx context.Context, items []models.SyncModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := s.put(ctx, tx, item, ""); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "save "+item.ModelType()+" "+item.LocalID(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "commit", err)
	}
	return nil
}

func (s *Store) localKey(ctx context.Context, ex execer, id, modelType string) (string, error) {
	if id == "" {
		return "", sql.ErrNoRows
	}
	var key string
	err := ex.QueryRowContext(ctx, `SELECT local_id FROM sync_records
		WHERE model_type = ? AND (local_id = ? OR id = ?) LIMIT 1`, modelType, id, id).Scan(&key)
	return key, err
}

func (s *Store) Update(ctx context.Context, item models.SyncModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	key, err := s.localKey(ctx, tx, item.LocalID(), item.ModelType())
	if err == sql.ErrNoRows {
		key, err = s.localKey(ctx, tx, item.ID(), item.ModelType())
	}
	if err == sql.ErrNoRows {
		return storage.NotFound(item.LocalID(), item.ModelType())
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "update lookup", err)
	}
	if err := s.put(ctx, tx, item, key); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "update "+key, err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "commit", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id, modelType string) error {
	if id == "" {
		return nil
	}
	stmt, err := s.prepare(ctx, `DELETE FROM sync_records WHERE model_type = ? AND (local_id = ? OR id = ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "delete record", err)
	}
	if _, err := stmt.ExecContext(ctx, modelType, id, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "delete record", err)
	}
	return nil
}

func (s *Store) DeleteModel(ctx context.Context, item models.SyncModel) error {
	return s.Delete(ctx, item.LocalID(), item.ModelType())
}

// mutate loads a record, applies fn and writes it back.
func (s *Store) mutate(ctx context.Context, id, modelType string, fn func(*models.BaseModel)) error {
	m, err := s.Get(ctx, id, modelType)
	if err != nil {
		return err
	}
	fn(m.Base())
	if err := s.put(ctx, s.db, m, m.LocalID()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write "+m.LocalID(), err)
	}
	return nil
}

func (s *Store) MarkAsSynced(ctx context.Context, id, modelType string) error {
	return s.mutate(ctx, id, modelType, (*models.BaseModel).MarkSynced)
}

func (s *Store) MarkSyncFailed(ctx context.Context, id, modelType, message string) error {
	return s.mutate(ctx, id, modelType, func(b *models.BaseModel) { b.RecordSyncFailure(message) })
}

// =====================================================
// Metadata
// =====================================================

func (s *Store) GetPendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_records WHERE is_synced = 0 OR marked_for_deletion = 1`).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "count pending", err)
	}
	return n, nil
}

func (s *Store) GetLastSyncTime(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrStorage, "read last sync time", err)
	}
	t, err := parseTime(value)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrStorage, "parse last sync time", err)
	}
	return t, nil
}

func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, lastSyncKey, formatTime(t))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write last sync time", err)
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "begin transaction", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_records`); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "clear records", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_meta`); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "clear metadata", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "commit", err)
	}
	return nil
}
