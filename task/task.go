// Package task defines the agent task model: a unit of automation work tied
// to a single forge issue, carrying its synthesized plan and lifecycle status.
package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPendingPlanning Status = "pending_planning"
	StatusPlanned         Status = "planned"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one issue-driven automation run. The ID is derived from the issue
// coordinates so repeated webhook deliveries converge on the same task.
type Task struct {
	ID             string     `json:"id"`
	InstallationID int64      `json:"installation_id"`
	Owner          string     `json:"owner"`
	Repo           string     `json:"repo"`
	IssueNumber    int        `json:"issue_number"`
	IssueTitle     string     `json:"issue_title,omitempty"`
	Status         Status     `json:"status"`
	Plan           *Plan      `json:"plan,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TaskID builds the canonical task identifier for an issue.
func TaskID(owner, repo string, issueNumber int) string {
	return fmt.Sprintf("%s/%s/issues/%d", owner, repo, issueNumber)
}

// Clone returns a deep copy so stores never hand out shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Plan = t.Plan.Clone()
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// Plan is the LLM-synthesized implementation plan. A plan is replaced as a
// whole; only the Done flag of a step is flipped in place during execution.
type Plan struct {
	Summary     string   `json:"summary"`
	Constraints []string `json:"constraints,omitempty"`
	Steps       []Step   `json:"steps"`
	Checklist   []string `json:"checklist,omitempty"`
	FileTargets []string `json:"file_targets,omitempty"`
}

// Step is one unit of plan work.
type Step struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
	Done    bool   `json:"done"`
}

// Validate checks that a plan is executable.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.Title == "" {
			return fmt.Errorf("step %d has no title", i)
		}
		if s.ID != "" {
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("duplicate step id %q", s.ID)
			}
			seen[s.ID] = struct{}{}
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Constraints = append([]string(nil), p.Constraints...)
	cp.Steps = append([]Step(nil), p.Steps...)
	cp.Checklist = append([]string(nil), p.Checklist...)
	cp.FileTargets = append([]string(nil), p.FileTargets...)
	return &cp
}
