package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/issuepilot/issuepilot/audit"
	"github.com/issuepilot/issuepilot/jobs"
	"github.com/issuepilot/issuepilot/llm"
	"github.com/issuepilot/issuepilot/task"
)

// BodyEnricher expands an issue body with linked context before planning.
type BodyEnricher interface {
	Enrich(ctx context.Context, body string) string
}

// PlanningHandler turns a pending task into a planned one: it asks the
// planner for a plan, stores it, and chains the execution job.
type PlanningHandler struct {
	tasks      task.Store
	planner    Planner
	enricher   BodyEnricher
	dispatcher *jobs.Dispatcher
	auditor    audit.Sink
	logger     *slog.Logger
}

// NewPlanningHandler wires the planning handler. enricher may be nil.
func NewPlanningHandler(tasks task.Store, planner Planner, enricher BodyEnricher, dispatcher *jobs.Dispatcher, auditor audit.Sink, logger *slog.Logger) *PlanningHandler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanningHandler{
		tasks:      tasks,
		planner:    planner,
		enricher:   enricher,
		dispatcher: dispatcher,
		auditor:    auditor,
		logger:     logger,
	}
}

// JobType implements jobs.Handler.
func (h *PlanningHandler) JobType() string { return "planning" }

// Execute implements jobs.Handler.
func (h *PlanningHandler) Execute(ctx context.Context, job *jobs.Job) jobs.Result {
	var payload PlanningPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return jobs.Fail(fmt.Sprintf("malformed planning payload: %v", err), false)
	}
	if payload.TaskID == "" {
		return jobs.Fail("planning payload has no task id", false)
	}

	t, err := h.tasks.Get(ctx, payload.TaskID)
	if err != nil {
		return jobs.FailErr(fmt.Errorf("load task %s: %w", payload.TaskID, err), false)
	}
	if t.Status.Terminal() {
		// The task was cancelled or resolved while the job sat in the queue.
		h.logger.Info("planning skipped: task already terminal",
			"task_id", t.ID,
			"task_status", string(t.Status))
		return jobs.Succeed()
	}

	body := payload.IssueBody
	if h.enricher != nil {
		body = h.enricher.Enrich(ctx, body)
	}

	plan, err := h.planner.BuildPlan(ctx, t.ID, payload.IssueTitle, body)
	if err != nil {
		retry := !llm.IsFatal(err) && !IsPermanent(err)
		h.failTaskIfFinal(ctx, job, t, fmt.Sprintf("planning failed: %v", err), retry)
		return jobs.FailErr(fmt.Errorf("build plan: %w", err), retry)
	}

	t.Plan = plan
	t.Status = task.StatusPlanned
	if err := h.tasks.Update(ctx, t); err != nil {
		return jobs.FailErr(fmt.Errorf("store plan for %s: %w", t.ID, err), true)
	}

	ev := audit.NewEvent(audit.KindPlanGenerated)
	ev.TaskID = t.ID
	ev.JobID = job.ID
	ev.Details = map[string]string{"steps": strconv.Itoa(len(plan.Steps))}
	h.auditor.Emit(ctx, ev)

	execPayload, err := json.Marshal(ExecutionPayload{
		TaskID:         t.ID,
		InstallationID: t.InstallationID,
	})
	if err != nil {
		return jobs.FailErr(fmt.Errorf("marshal execution payload: %w", err), false)
	}

	execJob := &jobs.Job{
		Type:           "execution",
		Payload:        string(execPayload),
		IdempotencyKey: "exec:" + t.ID,
		MaxRetries:     job.MaxRetries,
		Metadata: map[string]string{
			"task_id":         t.ID,
			"installation_id": strconv.FormatInt(t.InstallationID, 10),
			"source":          "planning",
		},
	}
	if !h.dispatcher.Dispatch(ctx, execJob) {
		// A duplicate key means an execution run is already live; anything
		// else is queue pressure worth retrying.
		if h.dispatcher.KeyInFlight("exec:" + t.ID) {
			h.logger.Info("execution job already in flight", "task_id", t.ID)
			return jobs.Succeed()
		}
		return jobs.Fail("execution job not admitted", true)
	}

	h.logger.Info("plan stored and execution dispatched",
		"task_id", t.ID,
		"job_id", execJob.ID,
		"steps", len(plan.Steps))
	return jobs.Succeed()
}

// failTaskIfFinal marks the task failed when this attempt is the job's last:
// either the failure is permanent, or the retry budget is exhausted and the
// job is about to dead-letter.
func (h *PlanningHandler) failTaskIfFinal(ctx context.Context, job *jobs.Job, t *task.Task, reason string, retry bool) {
	if retry && job.RetryCount < job.MaxRetries {
		return
	}
	now := time.Now().UTC()
	t.Status = task.StatusFailed
	t.Error = reason
	t.CompletedAt = &now
	if err := h.tasks.Update(ctx, t); err != nil {
		h.logger.Error("failed to mark task failed",
			"task_id", t.ID,
			"error", err)
	}
}
