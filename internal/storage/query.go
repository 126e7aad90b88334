package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Reserved filter keys that configure ordering and pagination.
const (
	KeyOrderBy    = "orderBy"
	KeyDescending = "descending"
	KeyLimit      = "limit"
	KeyOffset     = "offset"
)

// Meta fields addressable in queries besides payload fields.
const (
	FieldID        = "id"
	FieldLocalID   = "local_id"
	FieldIsSynced  = "is_synced"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Condition is an equality constraint on a field.
type Condition struct {
	Field string
	Value interface{}
}

// Query is a structured local query.
type Query struct {
	Conditions []Condition
	OrderBy    string
	Descending bool
	// Limit <= 0 means unlimited.
	Limit  int
	Offset int
}

// QueryFromFilter translates a loosely-typed filter map into a Query.
// Every key outside the reserved set becomes an equality condition.
func QueryFromFilter(filter map[string]interface{}) Query {
	var q Query
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := filter[k]
		switch k {
		case KeyOrderBy:
			q.OrderBy = fmt.Sprint(v)
		case KeyDescending:
			q.Descending = toBool(v)
		case KeyLimit:
			q.Limit = toInt(v)
		case KeyOffset:
			q.Offset = toInt(v)
		default:
			q.Conditions = append(q.Conditions, Condition{Field: k, Value: v})
		}
	}
	return q
}

// Validate rejects field names that are not plain identifiers.
func (q Query) Validate() error {
	for _, c := range q.Conditions {
		if !fieldPattern.MatchString(c.Field) {
			return apperrors.Newf(apperrors.ErrInvalid, "invalid query field %q", c.Field)
		}
	}
	if q.OrderBy != "" && !fieldPattern.MatchString(q.OrderBy) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid order field %q", q.OrderBy)
	}
	if q.Offset < 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "negative offset %d", q.Offset)
	}
	return nil
}

func toBool(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	default:
		return false
	}
}

func toInt(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

// FieldValue resolves a query field against a record.
func FieldValue(m models.SyncModel, field string) interface{} {
	switch field {
	case FieldID:
		return m.ID()
	case FieldLocalID:
		return m.LocalID()
	case FieldIsSynced:
		return m.IsSynced()
	case FieldCreatedAt:
		return m.CreatedAt()
	case FieldUpdatedAt:
		return m.UpdatedAt()
	}

	var cur interface{} = m.ToJSON()
	for _, part := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// Apply filters, orders and paginates records in memory.
func Apply(items []models.SyncModel, q Query) []models.SyncModel {
	out := make([]models.SyncModel, 0, len(items))
	for _, m := range items {
		if matchesAll(m, q.Conditions) {
			out = append(out, m)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(FieldValue(out[i], q.OrderBy), FieldValue(out[j], q.OrderBy))
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []models.SyncModel{}
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out
}

func matchesAll(m models.SyncModel, conds []Condition) bool {
	for _, c := range conds {
		if !equal(FieldValue(m, c.Field), c.Value) {
			return false
		}
	}
	return true
}

func number(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func text(v interface{}) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return text(a) == text(b)
}

// compare orders nil first, then numbers, times and text.
func compare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if x, ok := a.(time.Time); ok {
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return strings.Compare(text(a), text(b))
}
