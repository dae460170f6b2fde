package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// PatternRecord wraps an immutable workflow pattern for storage.
type PatternRecord struct {
	ID        string                  `json:"id"`
	Pattern   schema.WorkflowPattern  `json:"pattern"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Execution is the persisted representation of a workflow execution. It is
// the source of truth across process restarts.
type Execution struct {
	ID             string                 `json:"id"`
	PatternID      string                 `json:"pattern_id"`
	UserID         string                 `json:"user_id"`
	OrganizationID string                 `json:"organization_id"`
	CurrentStep    string                 `json:"current_step"`
	StepData       map[string]any         `json:"step_data,omitempty"`
	Status         schema.ExecutionStatus `json:"status"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentStep *string                 `json:"current_step,omitempty"`
	StepData    map[string]any          `json:"step_data,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	UserID         string                  `json:"user_id,omitempty"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	Since          *time.Time              `json:"since,omitempty"`
	Limit          int                     `json:"limit,omitempty"`
	Offset         int                     `json:"offset,omitempty"`
}
