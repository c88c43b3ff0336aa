package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/issuepilot/issuepilot/agent"
	"github.com/issuepilot/issuepilot/task"
)

// Dry-run implementations of the container and forge ports. They log every
// operation and succeed without touching anything, which lets the full
// webhook -> planning -> execution pipeline run locally (typically against
// cmd/mock-llm) before real integrations are configured.

type dryRunContainers struct {
	logger *slog.Logger
	seq    atomic.Int64
}

func newDryRunContainers(logger *slog.Logger) *dryRunContainers {
	return &dryRunContainers{logger: logger}
}

func (c *dryRunContainers) Create(_ context.Context, spec agent.WorkspaceSpec) (agent.Workspace, error) {
	id := fmt.Sprintf("dryrun-%d", c.seq.Add(1))
	c.logger.Info("dry-run workspace created",
		"workspace_id", id,
		"task_id", spec.TaskID,
		"branch", spec.Branch)
	return &dryRunWorkspace{id: id, spec: spec, logger: c.logger}, nil
}

type dryRunWorkspace struct {
	id     string
	spec   agent.WorkspaceSpec
	logger *slog.Logger
}

func (w *dryRunWorkspace) ID() string { return w.id }

func (w *dryRunWorkspace) ListFiles(context.Context) ([]string, error) {
	return nil, nil
}

func (w *dryRunWorkspace) RunStep(_ context.Context, step task.Step, _ []string) (string, error) {
	w.logger.Info("dry-run step",
		"workspace_id", w.id,
		"step_id", step.ID,
		"title", step.Title)
	return "dry-run: no changes made", nil
}

func (w *dryRunWorkspace) CommitAndPush(_ context.Context, message string) error {
	w.logger.Info("dry-run commit and push",
		"workspace_id", w.id,
		"message", message)
	return nil
}

func (w *dryRunWorkspace) Destroy(context.Context) error {
	w.logger.Info("dry-run workspace destroyed", "workspace_id", w.id)
	return nil
}

type dryRunForge struct {
	logger *slog.Logger
	prSeq  atomic.Int64
}

func newDryRunForge(logger *slog.Logger) *dryRunForge {
	return &dryRunForge{logger: logger}
}

func (f *dryRunForge) CreateBranch(_ context.Context, owner, repo, branch string) error {
	f.logger.Info("dry-run branch created",
		"owner", owner,
		"repo", repo,
		"branch", branch)
	return nil
}

func (f *dryRunForge) OpenDraftPullRequest(_ context.Context, owner, repo, branch, title, _ string) (agent.PullRequest, error) {
	n := int(f.prSeq.Add(1))
	pr := agent.PullRequest{
		Number: n,
		URL:    fmt.Sprintf("https://example.invalid/%s/%s/pull/%d", owner, repo, n),
	}
	f.logger.Info("dry-run draft pull request",
		"owner", owner,
		"repo", repo,
		"branch", branch,
		"title", title,
		"pr", pr.Number)
	return pr, nil
}

func (f *dryRunForge) CreateComment(_ context.Context, owner, repo string, prNumber int, _ string) error {
	f.logger.Info("dry-run pr comment",
		"owner", owner,
		"repo", repo,
		"pr", prNumber)
	return nil
}
