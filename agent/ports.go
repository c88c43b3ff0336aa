// Package agent contains the job handlers that drive an agent task from
// issue to draft pull request, expressed against ports so the LLM, container
// runtime, and forge API stay pluggable.
package agent

import (
	"context"
	"errors"

	"github.com/issuepilot/issuepilot/task"
)

// Planner synthesizes an implementation plan for an issue.
type Planner interface {
	BuildPlan(ctx context.Context, taskID, issueTitle, issueBody string) (*task.Plan, error)
}

// WorkspaceSpec describes the isolated workspace to create for a task.
type WorkspaceSpec struct {
	TaskID         string
	InstallationID int64
	Owner          string
	Repo           string
	Branch         string
}

// Workspace is a running container workspace holding a repository checkout.
type Workspace interface {
	// ID identifies the workspace for logging and audit.
	ID() string

	// ListFiles returns the repository-relative paths in the checkout.
	ListFiles(ctx context.Context) ([]string, error)

	// RunStep executes one plan step inside the workspace. fileHints are the
	// checkout paths matched by the plan's file targets.
	RunStep(ctx context.Context, step task.Step, fileHints []string) (output string, err error)

	// CommitAndPush commits the working tree and pushes the branch.
	CommitAndPush(ctx context.Context, message string) error

	// Destroy releases the workspace. Always called, even on failure.
	Destroy(ctx context.Context) error
}

// ContainerManager creates workspaces.
type ContainerManager interface {
	Create(ctx context.Context, spec WorkspaceSpec) (Workspace, error)
}

// PullRequest identifies an opened pull request.
type PullRequest struct {
	Number int
	URL    string
}

// ForgeClient is the slice of the forge API the execution handler needs.
type ForgeClient interface {
	// CreateBranch creates branch off the repository's default branch.
	CreateBranch(ctx context.Context, owner, repo, branch string) error

	// OpenDraftPullRequest opens a draft PR from branch.
	OpenDraftPullRequest(ctx context.Context, owner, repo, branch, title, body string) (PullRequest, error)

	// CreateComment posts a comment on the pull request.
	CreateComment(ctx context.Context, owner, repo string, prNumber int, body string) error
}

// PermanentError marks a port failure that retrying cannot fix, such as an
// invalid plan or a repository that no longer exists. Unmarked failures are
// treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
