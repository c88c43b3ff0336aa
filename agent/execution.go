package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/issuepilot/issuepilot/audit"
	"github.com/issuepilot/issuepilot/jobs"
	"github.com/issuepilot/issuepilot/task"
)

// ExecutionHandler drives a planned task to completion: it walks the plan
// steps inside a container workspace, pushes the branch, and opens a draft
// pull request.
type ExecutionHandler struct {
	tasks      task.Store
	containers ContainerManager
	forge      ForgeClient
	auditor    audit.Sink
	logger     *slog.Logger
}

// NewExecutionHandler wires the execution handler.
func NewExecutionHandler(tasks task.Store, containers ContainerManager, forge ForgeClient, auditor audit.Sink, logger *slog.Logger) *ExecutionHandler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionHandler{
		tasks:      tasks,
		containers: containers,
		forge:      forge,
		auditor:    auditor,
		logger:     logger,
	}
}

// JobType implements jobs.Handler.
func (h *ExecutionHandler) JobType() string { return "execution" }

// Execute implements jobs.Handler.
func (h *ExecutionHandler) Execute(ctx context.Context, job *jobs.Job) jobs.Result {
	var payload ExecutionPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return jobs.Fail(fmt.Sprintf("malformed execution payload: %v", err), false)
	}
	if payload.TaskID == "" {
		return jobs.Fail("execution payload has no task id", false)
	}

	t, err := h.tasks.Get(ctx, payload.TaskID)
	if err != nil {
		return jobs.FailErr(fmt.Errorf("load task %s: %w", payload.TaskID, err), false)
	}
	if t.Status.Terminal() {
		h.logger.Info("execution skipped: task already terminal",
			"task_id", t.ID,
			"task_status", string(t.Status))
		return jobs.Succeed()
	}
	if err := t.Plan.Validate(); err != nil {
		h.failTask(ctx, t, fmt.Sprintf("plan not executable: %v", err))
		return jobs.FailErr(fmt.Errorf("plan for %s: %w", t.ID, err), false)
	}

	if t.Status != task.StatusExecuting {
		now := time.Now().UTC()
		t.Status = task.StatusExecuting
		t.StartedAt = &now
		if err := h.tasks.Update(ctx, t); err != nil {
			return jobs.FailErr(fmt.Errorf("mark task executing: %w", err), true)
		}
	}

	if err := h.run(ctx, job, t); err != nil {
		retry := !IsPermanent(err) && ctx.Err() == nil
		if !retry || job.RetryCount >= job.MaxRetries {
			h.failTask(ctx, t, fmt.Sprintf("execution failed: %v", err))
		}
		return jobs.FailErr(err, retry)
	}

	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	if err := h.tasks.Update(ctx, t); err != nil {
		return jobs.FailErr(fmt.Errorf("mark task completed: %w", err), true)
	}

	ev := audit.NewEvent(audit.KindPlanExecuted)
	ev.TaskID = t.ID
	ev.JobID = job.ID
	h.auditor.Emit(ctx, ev)
	return jobs.Succeed()
}

// run performs the workspace lifecycle for one attempt.
func (h *ExecutionHandler) run(ctx context.Context, job *jobs.Job, t *task.Task) error {
	branch := fmt.Sprintf("issuepilot/issue-%d", t.IssueNumber)
	if err := h.forge.CreateBranch(ctx, t.Owner, t.Repo, branch); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}

	ws, err := h.containers.Create(ctx, WorkspaceSpec{
		TaskID:         t.ID,
		InstallationID: t.InstallationID,
		Owner:          t.Owner,
		Repo:           t.Repo,
		Branch:         branch,
	})
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	h.containerOp(ctx, t, ws.ID(), "created")

	defer func() {
		// Cleanup proceeds even when the attempt context is cancelled.
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := ws.Destroy(cleanupCtx); derr != nil {
			h.logger.Error("workspace cleanup failed",
				"task_id", t.ID,
				"workspace_id", ws.ID(),
				"error", derr)
			return
		}
		h.containerOp(cleanupCtx, t, ws.ID(), "destroyed")
	}()

	files, err := ws.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list workspace files: %w", err)
	}
	hints := matchFileTargets(t.Plan.FileTargets, files)

	for i := range t.Plan.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution interrupted before step %d: %w", i+1, err)
		}
		step := t.Plan.Steps[i]
		if step.Done {
			continue
		}

		if _, err := ws.RunStep(ctx, step, hints); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Title, err)
		}

		t.Plan.Steps[i].Done = true
		if err := h.tasks.Update(ctx, t); err != nil {
			return fmt.Errorf("record step %d progress: %w", i+1, err)
		}
		h.logger.Info("plan step completed",
			"task_id", t.ID,
			"step", i+1,
			"title", step.Title)
	}

	message := fmt.Sprintf("Implement issue #%d: %s", t.IssueNumber, t.IssueTitle)
	if err := ws.CommitAndPush(ctx, message); err != nil {
		return fmt.Errorf("push branch %s: %w", branch, err)
	}

	title := fmt.Sprintf("Issue #%d: %s", t.IssueNumber, t.IssueTitle)
	pr, err := h.forge.OpenDraftPullRequest(ctx, t.Owner, t.Repo, branch, title, prBody(t))
	if err != nil {
		return fmt.Errorf("open draft pull request: %w", err)
	}

	if checklist := checklistComment(t.Plan); checklist != "" {
		if err := h.forge.CreateComment(ctx, t.Owner, t.Repo, pr.Number, checklist); err != nil {
			// The PR exists; a lost comment is not worth failing the run.
			h.logger.Warn("checklist comment failed",
				"task_id", t.ID,
				"pr", pr.Number,
				"error", err)
		}
	}

	h.logger.Info("draft pull request opened",
		"task_id", t.ID,
		"pr", pr.Number,
		"url", pr.URL)
	return nil
}

// failTask moves the task to failed with the given reason.
func (h *ExecutionHandler) failTask(ctx context.Context, t *task.Task, reason string) {
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

// containerOp emits a container lifecycle audit event.
func (h *ExecutionHandler) containerOp(ctx context.Context, t *task.Task, wsID, op string) {
	ev := audit.NewEvent(audit.KindContainerOp)
	ev.TaskID = t.ID
	ev.Details = map[string]string{"workspace_id": wsID, "op": op}
	h.auditor.Emit(ctx, ev)
}

// matchFileTargets resolves the plan's glob hints against the checkout
// listing. Invalid patterns are skipped; an empty result just means the steps
// run without hints.
func matchFileTargets(patterns, files []string) []string {
	if len(patterns) == 0 || len(files) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		for _, f := range files {
			ok, err := doublestar.Match(pattern, f)
			if err != nil || !ok {
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// prBody renders the pull request description from the plan.
func prBody(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated implementation for #%d.\n\n", t.IssueNumber)
	if t.Plan.Summary != "" {
		b.WriteString(t.Plan.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("### Steps\n")
	for _, s := range t.Plan.Steps {
		fmt.Fprintf(&b, "- %s\n", s.Title)
	}
	if len(t.Plan.Constraints) > 0 {
		b.WriteString("\n### Constraints\n")
		for _, c := range t.Plan.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

// checklistComment renders the plan checklist as a markdown task list.
func checklistComment(p *task.Plan) string {
	if len(p.Checklist) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("### Acceptance checklist\n")
	for _, item := range p.Checklist {
		fmt.Fprintf(&b, "- [ ] %s\n", item)
	}
	return b.String()
}
