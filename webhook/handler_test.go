package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/issuepilot/issuepilot/agent"
	"github.com/issuepilot/issuepilot/jobs"
	"github.com/issuepilot/issuepilot/task"
)

type nopPlanningHandler struct{}

func (nopPlanningHandler) JobType() string { return "planning" }

func (nopPlanningHandler) Execute(context.Context, *jobs.Job) jobs.Result {
	return jobs.Succeed()
}

type fixture struct {
	handler  *Handler
	tasks    *task.MemoryStore
	statuses *jobs.MemoryStatusStore
	queue    *jobs.Queue
	disp     *jobs.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tasks := task.NewMemoryStore()
	statuses := jobs.NewMemoryStatusStore()
	queue := jobs.NewQueue(16)
	disp := jobs.NewDispatcher(queue, statuses, logger)
	if err := disp.RegisterHandler(nopPlanningHandler{}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	return &fixture{
		handler:  NewHandler(tasks, disp, statuses, nil, "issuepilot", 3, logger),
		tasks:    tasks,
		statuses: statuses,
		queue:    queue,
		disp:     disp,
	}
}

func labeledEvent(owner, repo string, issue int, label string) *IssuesEvent {
	return &IssuesEvent{
		Action: "labeled",
		Label:  &Label{Name: label},
		Issue:  Issue{Number: issue, Title: "Fix the widget", Body: "It is broken."},
		Repository: Repository{
			Name:     repo,
			FullName: owner + "/" + repo,
			Owner:    Owner{Login: owner},
		},
		Installation: Installation{ID: 7},
	}
}

func TestHandleIssuesActivation(t *testing.T) {
	ctx := context.Background()

	t.Run("activation label creates task and dispatches planning job", func(t *testing.T) {
		f := newFixture(t)
		jobID, err := f.handler.HandleIssues(ctx, labeledEvent("acme", "widgets", 1, "issuepilot"))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if jobID == "" {
			t.Fatal("expected a dispatched job id")
		}

		tk, err := f.tasks.Get(ctx, "acme/widgets/issues/1")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if tk.Status != task.StatusPendingPlanning || tk.InstallationID != 7 {
			t.Errorf("unexpected task: %+v", tk)
		}

		rec, err := f.statuses.Get(ctx, jobID)
		if err != nil {
			t.Fatalf("get job record: %v", err)
		}
		if rec.JobType != "planning" || rec.IdempotencyKey != "plan:acme/widgets/issues/1" {
			t.Errorf("unexpected job record: %+v", rec)
		}

		var payload agent.PlanningPayload
		queued, err := f.queue.Take(ctx)
		if err != nil {
			t.Fatalf("take: %v", err)
		}
		if err := json.Unmarshal([]byte(queued.Payload), &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload.TaskID != tk.ID || payload.IssueTitle != "Fix the widget" {
			t.Errorf("unexpected payload: %+v", payload)
		}
	})

	t.Run("other labels are ignored", func(t *testing.T) {
		f := newFixture(t)
		jobID, err := f.handler.HandleIssues(ctx, labeledEvent("acme", "widgets", 2, "bug"))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if jobID != "" {
			t.Error("expected no dispatch for non-activation label")
		}
		if _, err := f.tasks.Get(ctx, "acme/widgets/issues/2"); err == nil {
			t.Error("expected no task created")
		}
	})

	t.Run("other actions are ignored", func(t *testing.T) {
		f := newFixture(t)
		ev := labeledEvent("acme", "widgets", 3, "issuepilot")
		ev.Action = "opened"
		jobID, err := f.handler.HandleIssues(ctx, ev)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if jobID != "" {
			t.Error("expected no dispatch for non-labeled action")
		}
	})

	t.Run("redelivery while job in flight dispatches nothing", func(t *testing.T) {
		f := newFixture(t)
		ev := labeledEvent("acme", "widgets", 4, "issuepilot")

		first, err := f.handler.HandleIssues(ctx, ev)
		if err != nil || first == "" {
			t.Fatalf("first delivery: id=%q err=%v", first, err)
		}
		second, err := f.handler.HandleIssues(ctx, ev)
		if err != nil {
			t.Fatalf("second delivery: %v", err)
		}
		if second != "" {
			t.Error("expected duplicate delivery to be absorbed")
		}
		if f.queue.Len() != 1 {
			t.Errorf("expected one queued job, got %d", f.queue.Len())
		}
	})

	t.Run("relabel after terminal task starts a fresh run", func(t *testing.T) {
		f := newFixture(t)
		id := task.TaskID("acme", "widgets", 5)
		done := time.Now().UTC()
		err := f.tasks.Create(ctx, &task.Task{
			ID:          id,
			Status:      task.StatusCompleted,
			CompletedAt: &done,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}

		jobID, err := f.handler.HandleIssues(ctx, labeledEvent("acme", "widgets", 5, "issuepilot"))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if jobID == "" {
			t.Fatal("expected dispatch for relabeled terminal task")
		}

		tk, _ := f.tasks.Get(ctx, id)
		if tk.Status != task.StatusPendingPlanning {
			t.Errorf("expected task reset, got %s", tk.Status)
		}
	})

	t.Run("missing repository coordinates fail", func(t *testing.T) {
		f := newFixture(t)
		ev := labeledEvent("", "", 0, "issuepilot")
		if _, err := f.handler.HandleIssues(ctx, ev); err == nil {
			t.Error("expected error for missing coordinates")
		}
	})
}

func TestHandleInstallationDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Two live tasks and one completed task under installation 7, plus one
	// live task under installation 8.
	seed := []*task.Task{
		{ID: "acme/a/issues/1", InstallationID: 7, Status: task.StatusPendingPlanning},
		{ID: "acme/a/issues/2", InstallationID: 7, Status: task.StatusExecuting},
		{ID: "acme/a/issues/3", InstallationID: 7, Status: task.StatusCompleted},
		{ID: "acme/b/issues/1", InstallationID: 8, Status: task.StatusPlanned},
	}
	for _, tk := range seed {
		if err := f.tasks.Create(ctx, tk); err != nil {
			t.Fatalf("seed %s: %v", tk.ID, err)
		}
	}

	// A queued job tied to installation 7 and one tied to installation 8.
	dispatched := make(map[int64]string, 2)
	for _, inst := range []int64{7, 8} {
		job := &jobs.Job{
			Type:     "planning",
			Metadata: map[string]string{"installation_id": strconv.FormatInt(inst, 10)},
		}
		if !f.disp.Dispatch(ctx, job) {
			t.Fatalf("dispatch for installation %d failed", inst)
		}
		dispatched[inst] = job.ID
	}

	err := f.handler.HandleInstallation(ctx, &InstallationEvent{
		Action:       "deleted",
		Installation: Installation{ID: 7},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	for _, id := range []string{"acme/a/issues/1", "acme/a/issues/2"} {
		tk, _ := f.tasks.Get(ctx, id)
		if tk.Status != task.StatusCancelled {
			t.Errorf("expected %s cancelled, got %s", id, tk.Status)
		}
		if tk.CompletedAt == nil {
			t.Errorf("expected %s completion time set", id)
		}
	}

	tk, _ := f.tasks.Get(ctx, "acme/a/issues/3")
	if tk.Status != task.StatusCompleted {
		t.Errorf("terminal task must not change, got %s", tk.Status)
	}

	other, _ := f.tasks.Get(ctx, "acme/b/issues/1")
	if other.Status != task.StatusPlanned {
		t.Errorf("other installation must not change, got %s", other.Status)
	}

	// Draining through a processor proves the cascade reached the jobs: the
	// doomed installation's job finalizes Cancelled before its handler runs,
	// the survivor's job completes normally.
	proc := jobs.NewProcessor(f.disp, jobs.DefaultRetryPolicy(), 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	defer proc.Stop()

	waitForJobStatus(t, f.statuses, dispatched[7], jobs.StatusCancelled)
	waitForJobStatus(t, f.statuses, dispatched[8], jobs.StatusCompleted)
}

func waitForJobStatus(t *testing.T, store jobs.StatusStore, jobID string, want jobs.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(context.Background(), jobID)
		if err == nil && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := store.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (last: %+v, err: %v)", jobID, want, rec, err)
}

func TestHandleInstallationOtherActions(t *testing.T) {
	f := newFixture(t)
	err := f.handler.HandleInstallation(context.Background(), &InstallationEvent{
		Action:       "created",
		Installation: Installation{ID: 7},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
}
