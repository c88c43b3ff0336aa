package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no status record exists for a job id.
var ErrNotFound = errors.New("job not found")

// Status is a job's position in its lifecycle state machine.
type Status string

const (
	// StatusQueued means the job was admitted and awaits a worker.
	StatusQueued Status = "queued"
	// StatusProcessing means a handler attempt is in flight.
	StatusProcessing Status = "processing"
	// StatusRetrying means an attempt failed and a delay timer is pending.
	StatusRetrying Status = "retrying"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal permanent failure.
	StatusFailed Status = "failed"
	// StatusDeadLetter is terminal exhaustion of the retry budget.
	StatusDeadLetter Status = "dead_letter"
	// StatusCancelled is terminal operator- or uninstall-initiated cancellation.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions may occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// Attempt records one handler execution. Attempts are append-only and never
// mutated after the fact.
type Attempt struct {
	// Number is 1-based and strictly increasing per job.
	Number      int        `json:"number"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	Succeeded   bool       `json:"succeeded"`
	Error       string     `json:"error,omitempty"`
	ErrorType   string     `json:"error_type,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	// DelayMS is the backoff delay applied before this attempt started.
	DelayMS int64 `json:"delay_ms"`
	// Strategy names the backoff strategy in force for this job.
	Strategy string `json:"strategy,omitempty"`
}

// StatusRecord is the mutable bookkeeping record for one job. Records are
// created at dispatch, updated at each transition, and retained after
// terminal states for observability.
type StatusRecord struct {
	JobID          string            `json:"job_id"`
	Status         Status            `json:"status"`
	JobType        string            `json:"job_type"`
	Source         string            `json:"source,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastErrorType  string            `json:"last_error_type,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	Attempts       []Attempt         `json:"attempts,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never share the attempts slice or
// metadata map with the store.
func (r *StatusRecord) Clone() *StatusRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Attempts != nil {
		out.Attempts = make([]Attempt, len(r.Attempts))
		copy(out.Attempts, r.Attempts)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ListFilter selects and paginates status records. Zero values match
// everything; Take <= 0 means no limit.
type ListFilter struct {
	Status Status
	Type   string
	Source string
	Skip   int
	Take   int
}

// StatusStore persists job status records. Implementations must be safe for
// concurrent readers and writers, and Set must be atomic with respect to
// readers: a Get never observes a partially written attempts list.
type StatusStore interface {
	// Set upserts the record keyed by its JobID.
	Set(ctx context.Context, rec *StatusRecord) error

	// Get returns the record for jobID or ErrNotFound.
	Get(ctx context.Context, jobID string) (*StatusRecord, error)

	// List returns records matching the filter, ordered by creation time
	// descending (ties broken by job id for stability).
	List(ctx context.Context, f ListFilter) ([]*StatusRecord, error)

	// Metrics aggregates the stored population on demand.
	Metrics(ctx context.Context) (*MetricsSnapshot, error)
}

// ListByStatus is a convenience wrapper over List.
func ListByStatus(ctx context.Context, store StatusStore, status Status, skip, take int) ([]*StatusRecord, error) {
	return store.List(ctx, ListFilter{Status: status, Skip: skip, Take: take})
}

// MemoryStatusStore is the in-process StatusStore. It is the reference
// implementation used by the test suite and by deployments that accept
// losing history on restart.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	records map[string]*StatusRecord
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string]*StatusRecord)}
}

// Set upserts a deep copy of rec.
func (s *MemoryStatusStore) Set(_ context.Context, rec *StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.JobID] = rec.Clone()
	return nil
}

// Get returns a deep copy of the record for jobID.
func (s *MemoryStatusStore) Get(_ context.Context, jobID string) (*StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns matching records ordered by creation time descending.
func (s *MemoryStatusStore) List(_ context.Context, f ListFilter) ([]*StatusRecord, error) {
	s.mu.RLock()
	matched := make([]*StatusRecord, 0, len(s.records))
	for _, rec := range s.records {
		if matchRecord(rec, f) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecords(matched)
	return paginate(matched, f.Skip, f.Take), nil
}

// Metrics aggregates all stored records.
func (s *MemoryStatusStore) Metrics(_ context.Context) (*MetricsSnapshot, error) {
	s.mu.RLock()
	all := make([]*StatusRecord, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	s.mu.RUnlock()

	return AggregateMetrics(all), nil
}

// ApplyListFilter filters, orders, and paginates records per f. Shared by
// StatusStore implementations that load records in bulk.
func ApplyListFilter(recs []*StatusRecord, f ListFilter) []*StatusRecord {
	matched := make([]*StatusRecord, 0, len(recs))
	for _, rec := range recs {
		if matchRecord(rec, f) {
			matched = append(matched, rec)
		}
	}
	sortRecords(matched)
	return paginate(matched, f.Skip, f.Take)
}

func matchRecord(rec *StatusRecord, f ListFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Type != "" && rec.JobType != f.Type {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	return true
}

func sortRecords(recs []*StatusRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].JobID < recs[j].JobID
	})
}

func paginate(recs []*StatusRecord, skip, take int) []*StatusRecord {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(recs) {
		return []*StatusRecord{}
	}
	recs = recs[skip:]
	if take > 0 && take < len(recs) {
		recs = recs[:take]
	}
	return recs
}
