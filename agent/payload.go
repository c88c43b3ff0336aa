package agent

// PlanningPayload is the payload of a "planning" job.
type PlanningPayload struct {
	TaskID         string `json:"task_id"`
	InstallationID int64  `json:"installation_id"`
	IssueTitle     string `json:"issue_title"`
	IssueBody      string `json:"issue_body"`
}

// ExecutionPayload is the payload of an "execution" job.
type ExecutionPayload struct {
	TaskID         string `json:"task_id"`
	InstallationID int64  `json:"installation_id"`
}
