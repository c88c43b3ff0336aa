package jobs

import (
	"context"
	"sync"
)

// cancelRegistry maps job ids to the cancel function of the in-flight attempt
// or pending retry timer. Cancellations requested while a job is still queued
// (no attempt running yet) are parked as pending and consumed by the worker
// immediately after Take, before the handler runs.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	pending map[string]struct{}
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		cancels: make(map[string]context.CancelFunc),
		pending: make(map[string]struct{}),
	}
}

// requestCancel signals cancellation for jobID. If an attempt or timer is
// registered its context is tripped; otherwise the request is parked and
// requestCancel returns true.
func (r *cancelRegistry) requestCancel(jobID string) (parked bool) {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	if !ok {
		r.pending[jobID] = struct{}{}
	}
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return !ok
}

// register associates cancel with jobID. It returns false when a cancellation
// was already requested, in which case the caller must not run the attempt;
// the parked request is consumed either way.
func (r *cancelRegistry) register(jobID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, cancelled := r.pending[jobID]; cancelled {
		delete(r.pending, jobID)
		return false
	}
	r.cancels[jobID] = cancel
	return true
}

// clearPending drops a parked request without touching a live registration.
func (r *cancelRegistry) clearPending(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, jobID)
}

// release drops any registration and parked request for jobID. Called when
// the job reaches a terminal state or hands off between attempt and timer.
func (r *cancelRegistry) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cancels, jobID)
	delete(r.pending, jobID)
}
