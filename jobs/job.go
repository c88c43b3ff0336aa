// Package jobs implements the in-process background job subsystem: a bounded
// FIFO queue, a dispatcher with idempotency-keyed deduplication, a worker pool
// with retry and dead-letter policy, and an observable status store.
//
// Jobs are units of deferred work keyed by a type tag. Handlers registered for
// a type perform the actual work; the subsystem owns admission, scheduling,
// retries, cancellation, and bookkeeping. Pending queue contents are not
// durable across restarts; status records are, when backed by a persistent
// StatusStore implementation.
package jobs

import (
	"context"
	"fmt"
	"time"
)

// Job is the unit of deferred work. A job is immutable after dispatch except
// for RetryCount, which the processor increments between attempts.
type Job struct {
	// ID uniquely identifies the job. Assigned by the dispatcher when empty.
	ID string `json:"id"`

	// Type keys into the handler registry.
	Type string `json:"type"`

	// Payload is an opaque string, typically serialized JSON.
	Payload string `json:"payload"`

	// IdempotencyKey admits at most one non-terminal job at a time.
	// Empty disables deduplication for this job.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// MaxRetries is the retry budget for this job.
	MaxRetries int `json:"max_retries"`

	// RetryCount is the number of retries consumed so far.
	RetryCount int `json:"retry_count"`

	// CreatedAt is set by the dispatcher when zero.
	CreatedAt time.Time `json:"created_at"`

	// Metadata carries correlation values (installation id, task id).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Handler performs the work for one job type. Execute must honor ctx
// cancellation promptly; the processor does not impose a hard timeout.
type Handler interface {
	// JobType returns the type tag this handler serves.
	JobType() string

	// Execute runs one attempt. Failures are returned as values; a panic is
	// recovered by the processor and treated as a transient failure.
	Execute(ctx context.Context, job *Job) Result
}

// Result is the outcome of a single handler attempt.
type Result struct {
	// Success indicates the attempt completed the job.
	Success bool `json:"success"`

	// Error describes the failure. Empty on success.
	Error string `json:"error,omitempty"`

	// ErrorType is the failure classification, typically the Go error type
	// name or "panic".
	ErrorType string `json:"error_type,omitempty"`

	// ShouldRetry signals that the failure is transient and the job may be
	// retried within its budget.
	ShouldRetry bool `json:"should_retry"`
}

// Succeed returns a successful Result.
func Succeed() Result {
	return Result{Success: true}
}

// Fail returns a failed Result with an explicit retryability signal.
func Fail(msg string, retry bool) Result {
	return Result{Error: msg, ShouldRetry: retry}
}

// FailErr returns a failed Result derived from err, recording the dynamic
// error type name for the attempt history.
func FailErr(err error, retry bool) Result {
	return Result{
		Error:       err.Error(),
		ErrorType:   fmt.Sprintf("%T", err),
		ShouldRetry: retry,
	}
}
