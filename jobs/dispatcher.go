package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher admits jobs into the queue after handler, deduplication, and
// capacity checks, and records the Queued status. It also routes operator
// cancellation requests to the right in-flight primitive.
type Dispatcher struct {
	queue  *Queue
	store  StatusStore
	dedupe *Deduper
	cancel *cancelRegistry
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher over the given queue and status store.
func NewDispatcher(queue *Queue, store StatusStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    queue,
		store:    store,
		dedupe:   NewDeduper(),
		cancel:   newCancelRegistry(),
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler indexes a handler by its type tag. Registering two handlers
// for the same tag is a configuration error.
func (d *Dispatcher) RegisterHandler(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	jobType := h.JobType()
	if jobType == "" {
		return fmt.Errorf("handler has empty job type")
	}
	if _, exists := d.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for type %q", jobType)
	}
	d.handlers[jobType] = h
	return nil
}

// handlerFor returns the handler registered for jobType, or nil.
func (d *Dispatcher) handlerFor(jobType string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[jobType]
}

// Dispatch admits a job. It assigns the id and creation timestamp when unset,
// rejects unknown types and duplicate idempotency keys, and offers the job to
// the queue. The Queued record is written before the offer so a worker never
// takes a job without a status record; on any later failure the record is
// overwritten with Failed and the idempotency key is released.
//
// Returns true iff the job was enqueued. Duplicate-key rejections leave no
// status record behind.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) bool {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if d.handlerFor(job.Type) == nil {
		d.logger.Warn("dispatch rejected: no handler",
			"job_id", job.ID,
			"job_type", job.Type)
		d.writeFailed(ctx, job, fmt.Sprintf("no handler registered for job type %q", job.Type))
		return false
	}

	if job.IdempotencyKey != "" {
		if holder, ok := d.dedupe.InFlight(job.IdempotencyKey); ok {
			d.logger.Debug("dispatch suppressed: duplicate idempotency key",
				"job_id", job.ID,
				"key", job.IdempotencyKey,
				"holder", holder)
			return false
		}
		if !d.dedupe.Register(job.ID, job.IdempotencyKey) {
			// Lost the registration race to a concurrent dispatch.
			return false
		}
	}

	if err := d.store.Set(ctx, d.queuedRecord(job)); err != nil {
		d.dedupe.Unregister(job.ID)
		d.logger.Error("dispatch failed: status write",
			"job_id", job.ID,
			"error", err)
		return false
	}

	if !d.queue.Offer(job) {
		d.dedupe.Unregister(job.ID)
		d.writeFailed(ctx, job, "queue full")
		d.logger.Warn("dispatch rejected: queue full",
			"job_id", job.ID,
			"job_type", job.Type,
			"queue_len", d.queue.Len())
		return false
	}

	jobsDispatched.WithLabelValues(job.Type).Inc()
	queueDepth.Set(float64(d.queue.Len()))

	d.logger.Info("job dispatched",
		"job_id", job.ID,
		"job_type", job.Type,
		"key", job.IdempotencyKey)
	return true
}

// Cancel signals cooperative cancellation for jobID. It returns true iff the
// job is currently Queued, Processing, or Retrying and a cancellation was
// delivered. Queued jobs are cancelled by the worker before the handler runs;
// Retrying jobs have their pending delay timer stopped.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) bool {
	rec, err := d.store.Get(ctx, jobID)
	if err != nil {
		return false
	}

	switch rec.Status {
	case StatusQueued, StatusProcessing, StatusRetrying:
	default:
		return false
	}

	if d.cancel.requestCancel(jobID) {
		// Parked with nothing registered. The job may have finalized between
		// the status read and the park, in which case its release already ran
		// and the parked request would sit forever, poisoning a future job
		// dispatched with the same id. Re-check and withdraw if terminal.
		if rec, err := d.store.Get(ctx, jobID); err != nil || rec.Status.Terminal() {
			d.cancel.clearPending(jobID)
			return false
		}
	}
	d.logger.Info("job cancellation requested",
		"job_id", jobID,
		"status", string(rec.Status))
	return true
}

// KeyInFlight reports whether a non-terminal job currently holds the
// idempotency key.
func (d *Dispatcher) KeyInFlight(key string) bool {
	_, ok := d.dedupe.InFlight(key)
	return ok
}

// queuedRecord builds the initial status record for an admitted job.
func (d *Dispatcher) queuedRecord(job *Job) *StatusRecord {
	return &StatusRecord{
		JobID:          job.ID,
		Status:         StatusQueued,
		JobType:        job.Type,
		Source:         job.Metadata["source"],
		IdempotencyKey: job.IdempotencyKey,
		CreatedAt:      job.CreatedAt,
		MaxRetries:     job.MaxRetries,
		Metadata:       job.Metadata,
	}
}

// writeFailed records a terminal Failed status for a job rejected at
// admission. Write errors are logged; admission failures must not panic.
func (d *Dispatcher) writeFailed(ctx context.Context, job *Job, reason string) {
	now := time.Now().UTC()
	rec := d.queuedRecord(job)
	rec.Status = StatusFailed
	rec.CompletedAt = &now
	rec.LastError = reason

	if err := d.store.Set(ctx, rec); err != nil {
		d.logger.Error("failed to record admission failure",
			"job_id", job.ID,
			"error", err)
	}
}
