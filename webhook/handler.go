package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/issuepilot/issuepilot/agent"
	"github.com/issuepilot/issuepilot/audit"
	"github.com/issuepilot/issuepilot/jobs"
	"github.com/issuepilot/issuepilot/task"
)

// Handler applies webhook events to the task store and job subsystem.
type Handler struct {
	tasks      task.Store
	dispatcher *jobs.Dispatcher
	statuses   jobs.StatusStore
	auditor    audit.Sink
	label      string
	maxRetries int
	logger     *slog.Logger
}

// NewHandler wires the webhook handler. label is the activation label;
// maxRetries is the retry budget assigned to dispatched jobs.
func NewHandler(tasks task.Store, dispatcher *jobs.Dispatcher, statuses jobs.StatusStore, auditor audit.Sink, label string, maxRetries int, logger *slog.Logger) *Handler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:      tasks,
		dispatcher: dispatcher,
		statuses:   statuses,
		auditor:    auditor,
		label:      label,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// HandleIssues processes an "issues" event. It returns the dispatched planning
// job id when the event activates a task, or empty when the event is ignored
// or a planning job for the task is already in flight.
func (h *Handler) HandleIssues(ctx context.Context, ev *IssuesEvent) (jobID string, err error) {
	if ev.Action != "labeled" || ev.Label == nil || ev.Label.Name != h.label {
		return "", nil
	}

	owner := ev.Repository.Owner.Login
	repo := ev.Repository.Name
	if owner == "" || repo == "" || ev.Issue.Number <= 0 {
		return "", fmt.Errorf("issues event missing repository coordinates")
	}

	taskID := task.TaskID(owner, repo, ev.Issue.Number)
	now := time.Now().UTC()

	t := &task.Task{
		ID:             taskID,
		InstallationID: ev.Installation.ID,
		Owner:          owner,
		Repo:           repo,
		IssueNumber:    ev.Issue.Number,
		IssueTitle:     ev.Issue.Title,
		Status:         task.StatusPendingPlanning,
		CreatedAt:      now,
	}
	if err := h.upsertTask(ctx, t); err != nil {
		return "", fmt.Errorf("upsert task %s: %w", taskID, err)
	}

	payload, err := json.Marshal(agent.PlanningPayload{
		TaskID:         taskID,
		InstallationID: ev.Installation.ID,
		IssueTitle:     ev.Issue.Title,
		IssueBody:      ev.Issue.Body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal planning payload: %w", err)
	}

	job := &jobs.Job{
		Type:           "planning",
		Payload:        string(payload),
		IdempotencyKey: "plan:" + taskID,
		MaxRetries:     h.maxRetries,
		Metadata: map[string]string{
			"task_id":         taskID,
			"installation_id": strconv.FormatInt(ev.Installation.ID, 10),
			"source":          "webhook",
		},
	}
	if !h.dispatcher.Dispatch(ctx, job) {
		h.logger.Info("planning job not admitted",
			"task_id", taskID,
			"reason", "duplicate or rejected")
		return "", nil
	}

	ev2 := audit.NewEvent(audit.KindJobDispatched)
	ev2.TaskID = taskID
	ev2.JobID = job.ID
	ev2.Details = map[string]string{"job_type": "planning"}
	h.auditor.Emit(ctx, ev2)

	h.logger.Info("planning job dispatched",
		"task_id", taskID,
		"job_id", job.ID,
		"installation_id", ev.Installation.ID)
	return job.ID, nil
}

// upsertTask creates the task or, when it already exists in a terminal state,
// resets it for a fresh run. A live task is left untouched so an in-flight run
// is never clobbered by a re-delivered event.
func (h *Handler) upsertTask(ctx context.Context, t *task.Task) error {
	err := h.tasks.Create(ctx, t)
	if err == nil {
		return nil
	}
	if !errors.Is(err, task.ErrAlreadyExists) {
		return err
	}

	existing, err := h.tasks.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if !existing.Status.Terminal() {
		return nil
	}
	return h.tasks.Update(ctx, t)
}

// HandleInstallation processes an "installation" event. Deletion cancels every
// non-terminal task and job belonging to the installation.
func (h *Handler) HandleInstallation(ctx context.Context, ev *InstallationEvent) error {
	if ev.Action != "deleted" {
		return nil
	}
	instID := ev.Installation.ID

	tasks, err := h.tasks.ListByInstallation(ctx, instID)
	if err != nil {
		return fmt.Errorf("list tasks for installation %d: %w", instID, err)
	}

	now := time.Now().UTC()
	cancelled := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = task.StatusCancelled
		t.Error = "installation deleted"
		t.CompletedAt = &now
		if err := h.tasks.Update(ctx, t); err != nil {
			h.logger.Error("task cancellation failed",
				"task_id", t.ID,
				"error", err)
			continue
		}
		cancelled++

		ev2 := audit.NewEvent(audit.KindTaskCancelled)
		ev2.TaskID = t.ID
		ev2.Details = map[string]string{"reason": "installation_deleted"}
		h.auditor.Emit(ctx, ev2)
	}

	jobsCancelled := h.cancelInstallationJobs(ctx, instID)

	h.logger.Info("installation removed",
		"installation_id", instID,
		"tasks_cancelled", cancelled,
		"jobs_cancelled", jobsCancelled)
	return nil
}

// cancelInstallationJobs signals cancellation for every non-terminal job whose
// metadata ties it to the installation.
func (h *Handler) cancelInstallationJobs(ctx context.Context, instID int64) int {
	want := strconv.FormatInt(instID, 10)
	cancelled := 0
	for _, status := range []jobs.Status{jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusRetrying} {
		recs, err := jobs.ListByStatus(ctx, h.statuses, status, 0, 0)
		if err != nil {
			h.logger.Error("job listing failed during uninstall",
				"status", string(status),
				"error", err)
			continue
		}
		for _, rec := range recs {
			if rec.Metadata["installation_id"] != want {
				continue
			}
			if h.dispatcher.Cancel(ctx, rec.JobID) {
				cancelled++
			}
		}
	}
	return cancelled
}
