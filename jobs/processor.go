package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Processor drains the queue with a fixed pool of workers and drives each job
// through its state machine: invoke the handler, append the attempt record,
// then complete, fail, dead-letter, cancel, or schedule a retry.
//
// Retries never block a worker. The failed job is parked on a timer goroutine
// and re-offered to the queue when the backoff delay elapses; the worker
// returns to the pool immediately.
type Processor struct {
	dispatcher  *Dispatcher
	queue       *Queue
	store       StatusStore
	policy      RetryPolicy
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	root    context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	timers  sync.WaitGroup

	delayMu sync.Mutex
	delays  map[string]int64 // job id -> delay (ms) preceding the next attempt
}

// NewProcessor creates a processor sharing the dispatcher's queue, store, and
// cancellation registry. Concurrency below one is clamped to one.
func NewProcessor(d *Dispatcher, policy RetryPolicy, concurrency int, logger *slog.Logger) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		dispatcher:  d,
		queue:       d.queue,
		store:       d.store,
		policy:      policy,
		concurrency: concurrency,
		logger:      logger,
		delays:      make(map[string]int64),
	}
}

// Start launches the worker pool. It returns an error when already running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.root, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.workers.Add(1)
		go p.worker(p.root, i)
	}

	p.logger.Info("processor started",
		"workers", p.concurrency,
		"retry_enabled", p.policy.Enabled,
		"strategy", string(p.policy.Strategy))
	return nil
}

// Stop cancels the root context, waits for in-flight attempts to surrender,
// and cancels pending retry timers. No new takes happen after Stop.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.workers.Wait()
	p.timers.Wait()
	p.logger.Info("processor stopped")
}

// worker is one long-lived take/process loop.
func (p *Processor) worker(ctx context.Context, id int) {
	defer p.workers.Done()

	for {
		job, err := p.queue.Take(ctx)
		if err != nil {
			p.logger.Debug("worker exiting", "worker", id, "reason", err)
			return
		}
		queueDepth.Set(float64(p.queue.Len()))
		p.process(ctx, job)
	}
}

// process runs one attempt of one job and applies the outcome policy.
func (p *Processor) process(ctx context.Context, job *Job) {
	writeCtx := context.WithoutCancel(ctx)

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	if !p.dispatcher.cancel.register(job.ID, cancelAttempt) {
		// Cancelled while queued: do not run the handler, no attempt record.
		p.finalize(writeCtx, job, nil, StatusCancelled, Result{Error: "cancelled before execution"})
		return
	}

	p.markProcessing(writeCtx, job)

	delayMS := p.takeDelay(job.ID)
	handler := p.dispatcher.handlerFor(job.Type)

	started := time.Now().UTC()
	result := p.invoke(attemptCtx, handler, job)
	completed := time.Now().UTC()
	cancelled := !result.Success && attemptCtx.Err() != nil

	// Hand the registry slot back before deciding. A cancel request landing
	// from here on is parked and consumed by the retry scheduling path or
	// ignored once the job is terminal.
	p.dispatcher.cancel.release(job.ID)

	attempt := &Attempt{
		Number:      job.RetryCount + 1,
		StartedAt:   started,
		CompletedAt: completed,
		Succeeded:   result.Success,
		Error:       result.Error,
		ErrorType:   result.ErrorType,
		DurationMS:  completed.Sub(started).Milliseconds(),
		DelayMS:     delayMS,
		Strategy:    string(p.policy.Strategy),
	}
	observeAttempt(job.Type, result.Success, completed.Sub(started))

	switch {
	case result.Success:
		p.finalize(writeCtx, job, attempt, StatusCompleted, result)
	case cancelled:
		p.finalize(writeCtx, job, attempt, StatusCancelled, result)
	case p.policy.ShouldRetry(job.RetryCount, job.MaxRetries, result.ShouldRetry):
		p.scheduleRetry(ctx, job, attempt, result)
	case result.ShouldRetry && p.policy.Enabled:
		// Handler still signals transient but the budget is spent.
		p.finalize(writeCtx, job, attempt, StatusDeadLetter, result)
	default:
		p.finalize(writeCtx, job, attempt, StatusFailed, result)
	}
}

// invoke runs the handler, converting panics into transient failures so an
// unhandled throw never kills a worker.
func (p *Processor) invoke(ctx context.Context, h Handler, job *Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic recovered",
				"job_id", job.ID,
				"job_type", job.Type,
				"panic", r)
			res = Result{
				Error:       fmt.Sprintf("handler panic: %v", r),
				ErrorType:   "panic",
				ShouldRetry: true,
			}
		}
	}()

	if h == nil {
		// Handlers cannot be deregistered, so this is an invariant violation.
		return Result{Error: fmt.Sprintf("no handler registered for job type %q", job.Type)}
	}
	return h.Execute(ctx, job)
}

// markProcessing publishes the Processing transition and the first-attempt
// start time. Store write failures are logged and processing continues.
func (p *Processor) markProcessing(ctx context.Context, job *Job) {
	rec, err := p.store.Get(ctx, job.ID)
	if err != nil {
		p.logger.Error("status record missing at processing",
			"job_id", job.ID,
			"error", err)
		rec = p.dispatcher.queuedRecord(job)
	}

	now := time.Now().UTC()
	rec.Status = StatusProcessing
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.RetryCount = job.RetryCount

	if err := p.store.Set(ctx, rec); err != nil {
		p.logger.Error("failed to record processing transition",
			"job_id", job.ID,
			"error", err)
	}
}

// finalize publishes a terminal transition, then releases the idempotency key
// and cancellation slot. The order matters: the terminal status must be
// visible before the key frees up for a fresh dispatch. attempt may be nil
// when no handler execution took place.
func (p *Processor) finalize(ctx context.Context, job *Job, attempt *Attempt, status Status, result Result) {
	rec, err := p.store.Get(ctx, job.ID)
	if err != nil {
		p.logger.Error("status record missing at finalize",
			"job_id", job.ID,
			"error", err)
		rec = p.dispatcher.queuedRecord(job)
	}
	if rec.Status.Terminal() {
		p.releaseJob(job.ID)
		return
	}

	now := time.Now().UTC()
	if attempt != nil {
		rec.Attempts = append(rec.Attempts, *attempt)
	}
	rec.Status = status
	rec.CompletedAt = &now
	rec.RetryCount = job.RetryCount
	rec.LastError = result.Error
	rec.LastErrorType = result.ErrorType

	if err := p.store.Set(ctx, rec); err != nil {
		p.logger.Error("failed to record terminal transition",
			"job_id", job.ID,
			"status", string(status),
			"error", err)
	}

	p.releaseJob(job.ID)

	if status == StatusDeadLetter {
		jobsDeadLettered.WithLabelValues(job.Type).Inc()
	}
	p.logger.Info("job finished",
		"job_id", job.ID,
		"job_type", job.Type,
		"status", string(status),
		"attempts", len(rec.Attempts),
		"error", result.Error)
}

// scheduleRetry publishes the Retrying transition, increments the retry
// count, and parks the job on a delay timer that re-offers it to the queue.
// The worker does not block on the delay.
func (p *Processor) scheduleRetry(ctx context.Context, job *Job, attempt *Attempt, result Result) {
	writeCtx := context.WithoutCancel(ctx)

	delay := p.policy.NextDelay(job.RetryCount)
	job.RetryCount++

	rec, err := p.store.Get(writeCtx, job.ID)
	if err != nil {
		p.logger.Error("status record missing at retry",
			"job_id", job.ID,
			"error", err)
		rec = p.dispatcher.queuedRecord(job)
	}
	rec.Attempts = append(rec.Attempts, *attempt)
	rec.Status = StatusRetrying
	rec.RetryCount = job.RetryCount
	rec.LastError = result.Error
	rec.LastErrorType = result.ErrorType

	if err := p.store.Set(writeCtx, rec); err != nil {
		p.logger.Error("failed to record retrying transition",
			"job_id", job.ID,
			"error", err)
	}

	p.setDelay(job.ID, delay.Milliseconds())

	timerCtx, cancelTimer := context.WithCancel(ctx)
	if !p.dispatcher.cancel.register(job.ID, cancelTimer) {
		// Cancel arrived between attempts.
		cancelTimer()
		p.finalize(writeCtx, job, nil, StatusCancelled, Result{Error: "cancelled"})
		return
	}

	p.logger.Debug("retry scheduled",
		"job_id", job.ID,
		"retry", job.RetryCount,
		"max_retries", job.MaxRetries,
		"delay", delay)

	p.timers.Add(1)
	go func() {
		defer p.timers.Done()
		defer cancelTimer()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			p.dispatcher.cancel.release(job.ID)
			p.reoffer(writeCtx, job)
		case <-timerCtx.Done():
			if ctx.Err() != nil {
				// Processor shutdown: drop the timer, the job stays Retrying.
				p.dispatcher.cancel.release(job.ID)
				return
			}
			p.finalize(writeCtx, job, nil, StatusCancelled, Result{Error: "cancelled"})
		}
	}()
}

// reoffer republishes Queued and puts the retrying job back on the queue.
// The status write must land before the offer: the timer goroutine owns the
// job exclusively until it is queued, and a write after that point could race
// the worker running the next attempt and clobber its terminal record.
func (p *Processor) reoffer(ctx context.Context, job *Job) {
	rec, err := p.store.Get(ctx, job.ID)
	if err != nil {
		p.logger.Error("status record missing at re-offer",
			"job_id", job.ID,
			"error", err)
	} else if !rec.Status.Terminal() {
		rec.Status = StatusQueued
		if err := p.store.Set(ctx, rec); err != nil {
			p.logger.Error("failed to record re-queued transition",
				"job_id", job.ID,
				"error", err)
		}
	}

	if !p.queue.Offer(job) {
		p.finalize(ctx, job, nil, StatusFailed, Result{
			Error: "retry re-enqueue failed: queue full or closed",
		})
		return
	}
	queueDepth.Set(float64(p.queue.Len()))
}

// releaseJob frees everything held per-job once it is terminal.
func (p *Processor) releaseJob(jobID string) {
	p.dispatcher.dedupe.Unregister(jobID)
	p.dispatcher.cancel.release(jobID)
	p.clearDelay(jobID)
}

func (p *Processor) setDelay(jobID string, ms int64) {
	p.delayMu.Lock()
	defer p.delayMu.Unlock()
	p.delays[jobID] = ms
}

func (p *Processor) takeDelay(jobID string) int64 {
	p.delayMu.Lock()
	defer p.delayMu.Unlock()
	ms := p.delays[jobID]
	delete(p.delays, jobID)
	return ms
}

func (p *Processor) clearDelay(jobID string) {
	p.delayMu.Lock()
	defer p.delayMu.Unlock()
	delete(p.delays, jobID)
}
