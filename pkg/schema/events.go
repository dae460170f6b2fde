package schema

// Event type constants for the execution event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventEscalationTriggered = "escalation_triggered"
	EventTaskAssigned        = "task_assigned"
	EventApprovalRequested   = "approval_requested"
	EventRecoveryAttempt     = "recovery_attempt"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusInProgress ExecutionStatus = "in_progress"
	StatusPaused     ExecutionStatus = "paused"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
// Terminal executions must never remain in the engine's active set.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
