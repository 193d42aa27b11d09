package model

import "time"

// Workflow status constants.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// workflowTransitions maps each workflow status to the set of statuses it may
// transition to. Pending→Pending covers the retry re-queue path.
var workflowTransitions = map[string]map[string]bool{
	WorkflowPending: {
		WorkflowRunning:   true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
	},
	WorkflowRunning: {
		WorkflowCompleted: true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
		WorkflowPending:   true,
	},
}

// ValidWorkflowTransition reports whether moving from one workflow status to
// another is allowed. Running→Pending is only legal through the retry path;
// the engine enforces that separately.
func ValidWorkflowTransition(from, to string) bool {
	targets, ok := workflowTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkflowTerminal reports whether a workflow status is terminal.
func WorkflowTerminal(status string) bool {
	switch status {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow is one asynchronously orchestrated unit of execution with its own
// retry, timeout, and cancellation lifecycle.
type Workflow struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Priority   int            `json:"priority"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Timeout    time.Duration  `json:"timeout"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
