package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// nopHandler satisfies Handler for admission tests without running anything.
type nopHandler struct {
	jobType string
}

func (h *nopHandler) JobType() string { return h.jobType }

func (h *nopHandler) Execute(_ context.Context, _ *Job) Result {
	return Succeed()
}

func newTestDispatcher(t *testing.T, capacity int) (*Dispatcher, *MemoryStatusStore, *Queue) {
	t.Helper()
	store := NewMemoryStatusStore()
	queue := NewQueue(capacity)
	d := NewDispatcher(queue, store, testLogger(t))
	if err := d.RegisterHandler(&nopHandler{jobType: "planning"}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	return d, store, queue
}

func TestRegisterHandler(t *testing.T) {
	d, _, _ := newTestDispatcher(t, 4)

	t.Run("duplicate type is a configuration error", func(t *testing.T) {
		if err := d.RegisterHandler(&nopHandler{jobType: "planning"}); err == nil {
			t.Error("expected duplicate registration to fail")
		}
	})

	t.Run("empty type is rejected", func(t *testing.T) {
		if err := d.RegisterHandler(&nopHandler{jobType: ""}); err == nil {
			t.Error("expected empty type registration to fail")
		}
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id and creation time", func(t *testing.T) {
		d, store, _ := newTestDispatcher(t, 4)
		job := &Job{Type: "planning"}
		if !d.Dispatch(ctx, job) {
			t.Fatal("expected dispatch to succeed")
		}
		if job.ID == "" {
			t.Error("expected id assigned")
		}
		if job.CreatedAt.IsZero() {
			t.Error("expected creation time assigned")
		}

		rec, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusQueued {
			t.Errorf("expected Queued, got %s", rec.Status)
		}
	})

	t.Run("unknown type fails with status record", func(t *testing.T) {
		d, store, queue := newTestDispatcher(t, 4)
		job := &Job{Type: "mystery", IdempotencyKey: "k-mystery"}
		if d.Dispatch(ctx, job) {
			t.Fatal("expected dispatch to fail")
		}

		rec, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusFailed {
			t.Errorf("expected Failed, got %s", rec.Status)
		}
		if !strings.Contains(rec.LastError, "no handler") {
			t.Errorf("expected no-handler reason, got %q", rec.LastError)
		}
		if rec.CompletedAt == nil {
			t.Error("expected CompletedAt set on terminal Failed")
		}
		if queue.Len() != 0 {
			t.Errorf("expected empty queue, got %d", queue.Len())
		}

		// The idempotency key must not have been claimed.
		if !d.dedupe.Register("other", "k-mystery") {
			t.Error("expected key to be free after unknown-type rejection")
		}
	})

	t.Run("duplicate idempotency key leaves no record", func(t *testing.T) {
		d, store, queue := newTestDispatcher(t, 4)

		a := &Job{Type: "planning", IdempotencyKey: "k1"}
		if !d.Dispatch(ctx, a) {
			t.Fatal("expected first dispatch to succeed")
		}

		b := &Job{Type: "planning", IdempotencyKey: "k1"}
		if d.Dispatch(ctx, b) {
			t.Fatal("expected duplicate dispatch to fail")
		}

		if queue.Len() != 1 {
			t.Errorf("expected queue length 1, got %d", queue.Len())
		}
		if _, err := store.Get(ctx, a.ID); err != nil {
			t.Errorf("expected record for first job: %v", err)
		}
		if _, err := store.Get(ctx, b.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected no record for duplicate, got %v", err)
		}
	})

	t.Run("queue full fails and releases the key", func(t *testing.T) {
		d, store, _ := newTestDispatcher(t, 1)

		if !d.Dispatch(ctx, &Job{Type: "planning"}) {
			t.Fatal("expected fill dispatch to succeed")
		}

		job := &Job{Type: "planning", IdempotencyKey: "k-full"}
		if d.Dispatch(ctx, job) {
			t.Fatal("expected dispatch to a full queue to fail")
		}

		rec, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusFailed || !strings.Contains(rec.LastError, "queue full") {
			t.Errorf("unexpected record: %+v", rec)
		}

		// Backpressure releases registrations acquired pre-offer.
		if _, ok := d.dedupe.InFlight("k-full"); ok {
			t.Error("expected key released after backpressure failure")
		}
	})

	t.Run("record carries type key and metadata", func(t *testing.T) {
		d, store, _ := newTestDispatcher(t, 4)
		job := &Job{
			Type:           "planning",
			IdempotencyKey: "k-meta",
			MaxRetries:     3,
			Metadata:       map[string]string{"installation_id": "7", "source": "webhook"},
		}
		if !d.Dispatch(ctx, job) {
			t.Fatal("expected dispatch to succeed")
		}

		rec, _ := store.Get(ctx, job.ID)
		if rec.JobType != "planning" || rec.IdempotencyKey != "k-meta" || rec.MaxRetries != 3 {
			t.Errorf("unexpected record: %+v", rec)
		}
		if rec.Source != "webhook" || rec.Metadata["installation_id"] != "7" {
			t.Errorf("source or metadata missing: %+v", rec)
		}
	})
}

func TestCancelNotCancellable(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDispatcher(t, 4)

	if d.Cancel(ctx, "unknown") {
		t.Error("expected cancel of unknown job to return false")
	}

	now := nowPtr()
	_ = store.Set(ctx, &StatusRecord{JobID: "done", Status: StatusCompleted, CompletedAt: now})
	if d.Cancel(ctx, "done") {
		t.Error("expected cancel of terminal job to return false")
	}
}
