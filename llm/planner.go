package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/issuepilot/issuepilot/task"
)

const plannerSystemPrompt = `You are a senior software engineer producing an
implementation plan for a repository issue. Respond with a single JSON object,
no prose outside it:

{
  "summary": "one paragraph describing the approach",
  "constraints": ["hard requirements and things to avoid"],
  "steps": [{"title": "imperative step title", "details": "how to do it"}],
  "checklist": ["verifiable acceptance criteria"],
  "file_targets": ["glob patterns for files likely touched, e.g. src/**/*.go"]
}

Keep plans between 2 and 10 steps. Every step must be independently
actionable inside the repository checkout.`

// Planner turns an issue into an executable plan via chat completion.
type Planner struct {
	client *Client
	logger *slog.Logger
}

// NewPlanner wires a planner over the given client.
func NewPlanner(client *Client, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, logger: logger}
}

// planDoc is the JSON shape the model is asked to produce.
type planDoc struct {
	Summary     string   `json:"summary"`
	Constraints []string `json:"constraints"`
	Steps       []struct {
		Title   string `json:"title"`
		Details string `json:"details"`
	} `json:"steps"`
	Checklist   []string `json:"checklist"`
	FileTargets []string `json:"file_targets"`
}

// BuildPlan asks the model for a plan for the issue. A response that cannot
// be parsed into a valid plan is reported as transient; a fresh completion
// usually produces usable JSON.
func (p *Planner) BuildPlan(ctx context.Context, taskID, issueTitle, issueBody string) (*task.Plan, error) {
	userPrompt := fmt.Sprintf("Task: %s\n\nIssue title: %s\n\nIssue body:\n%s", taskID, issueTitle, issueBody)

	resp, err := p.client.Complete(ctx, []Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return nil, fmt.Errorf("plan completion for %s: %w", taskID, err)
	}

	raw := ExtractJSON(resp.Content)
	if raw == "" {
		return nil, NewTransientError(fmt.Errorf("response for %s contained no JSON object", taskID))
	}

	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, NewTransientError(fmt.Errorf("parse plan for %s: %w", taskID, err))
	}

	plan := &task.Plan{
		Summary:     doc.Summary,
		Constraints: doc.Constraints,
		Checklist:   doc.Checklist,
		FileTargets: doc.FileTargets,
	}
	for i, s := range doc.Steps {
		plan.Steps = append(plan.Steps, task.Step{
			ID:      strconv.Itoa(i + 1),
			Title:   s.Title,
			Details: s.Details,
		})
	}
	if err := plan.Validate(); err != nil {
		return nil, NewTransientError(fmt.Errorf("invalid plan for %s: %w", taskID, err))
	}

	p.logger.Info("plan generated",
		"task_id", taskID,
		"model", resp.Model,
		"steps", len(plan.Steps),
		"tokens", resp.TotalTokens)
	return plan, nil
}
