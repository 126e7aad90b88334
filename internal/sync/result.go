package sync

import (
	"encoding/json"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// ResultStatus is the outcome class of a sync operation. The zero value is
// not a valid status.
type ResultStatus int

const (
	StatusSuccess ResultStatus = iota + 1
	StatusPartial
	StatusFailed
	StatusNoChanges
	StatusConnectionError
)

var statusNames = map[ResultStatus]string{
	StatusSuccess:         "success",
	StatusPartial:         "partial",
	StatusFailed:          "failed",
	StatusNoChanges:       "noChanges",
	StatusConnectionError: "connectionError",
}

func (s ResultStatus) String() string { return statusNames[s] }

// Source says where the items of a result came from.
type Source int

const (
	SourceNone Source = iota
	SourceLocal
	SourceRemote
	SourceOfflineCache
)

var sourceNames = map[Source]string{
	SourceNone:         "",
	SourceLocal:        "local",
	SourceRemote:       "remote",
	SourceOfflineCache: "offlineCache",
}

func (s Source) String() string { return sourceNames[s] }

// Result is the immutable outcome of a sync operation. Build it with the
// constructors; the With* methods return modified copies.
type Result struct {
	status    ResultStatus
	processed int
	failed    int
	errors    []string
	timeTaken time.Duration
	items     []models.SyncModel
	source    Source
}

func newResult(status ResultStatus, processed, failed int, errs []string, took time.Duration) *Result {
	return &Result{
		status:    status,
		processed: processed,
		failed:    failed,
		errors:    append([]string(nil), errs...),
		timeTaken: took,
	}
}

// Success reports that processed items reached their target.
func Success(processed int, took time.Duration) *Result {
	return newResult(StatusSuccess, processed, 0, nil, took)
}

// NoChanges reports that there was nothing to do.
func NoChanges(took time.Duration) *Result {
	return newResult(StatusNoChanges, 0, 0, nil, took)
}

// Partial reports a batch where some items failed.
func Partial(processed, failed int, errs []string, took time.Duration) *Result {
	return newResult(StatusPartial, processed, failed, errs, took)
}

// Failed reports a single failed operation.
func Failed(message string, took time.Duration) *Result {
	return newResult(StatusFailed, 0, 1, []string{message}, took)
}

// FailedBatch reports a batch in which every attempted item failed.
func FailedBatch(failed int, errs []string, took time.Duration) *Result {
	return newResult(StatusFailed, 0, failed, errs, took)
}

// ConnectionError reports that the connectivity requirement was not met.
func ConnectionError(message string, took time.Duration) *Result {
	return newResult(StatusConnectionError, 0, 0, []string{message}, took)
}

// batchResult derives the status of a batch from its counters.
func batchResult(processed, failed int, errs []string, took time.Duration) *Result {
	switch {
	case processed == 0 && failed == 0:
		return NoChanges(took)
	case failed == 0:
		return Success(processed, took)
	case processed == 0:
		return FailedBatch(failed, errs, took)
	default:
		return Partial(processed, failed, errs, took)
	}
}

// WithItems returns a copy of r carrying items from source.
func (r *Result) WithItems(items []models.SyncModel, source Source) *Result {
	out := *r
	out.errors = append([]string(nil), r.errors...)
	out.items = append([]models.SyncModel(nil), items...)
	out.source = source
	return &out
}

// WithSource returns a copy of r tagged with source.
func (r *Result) WithSource(source Source) *Result {
	return r.WithItems(r.items, source)
}

func (r *Result) Status() ResultStatus     { return r.status }
func (r *Result) ProcessedItems() int      { return r.processed }
func (r *Result) FailedItems() int         { return r.failed }
func (r *Result) TimeTaken() time.Duration { return r.timeTaken }
func (r *Result) Source() Source           { return r.source }

// ErrorMessages returns a copy of the ordered error messages.
func (r *Result) ErrorMessages() []string {
	return append([]string(nil), r.errors...)
}

// Items returns a copy of the payload.
func (r *Result) Items() []models.SyncModel {
	return append([]models.SyncModel(nil), r.items...)
}

// IsSuccess reports StatusSuccess.
func (r *Result) IsSuccess() bool {
	return r.status == StatusSuccess
}

// Error returns the first error message, or "".
func (r *Result) Error() string {
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[0]
}

// MarshalJSON renders the result for APIs and the CLI.
func (r *Result) MarshalJSON() ([]byte, error) {
	items := make([]map[string]interface{}, 0, len(r.items))
	for _, m := range r.items {
		items = append(items, m.ToJSON())
	}
	return json.Marshal(struct {
		Status         string                   `json:"status"`
		ProcessedItems int                      `json:"processed_items"`
		FailedItems    int                      `json:"failed_items"`
		ErrorMessages  []string                 `json:"error_messages,omitempty"`
		TimeTakenMs    int64                    `json:"time_taken_ms"`
		Source         string                   `json:"source,omitempty"`
		Items          []map[string]interface{} `json:"items,omitempty"`
	}{
		Status:         r.status.String(),
		ProcessedItems: r.processed,
		FailedItems:    r.failed,
		ErrorMessages:  r.errors,
		TimeTakenMs:    r.timeTaken.Milliseconds(),
		Source:         r.source.String(),
		Items:          items,
	})
}
