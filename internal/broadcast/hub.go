package broadcast

import (
	"context"

	"github.com/rendis/procflow/pkg/schema"
)

// ProgressEvent is a real-time progress update for a workflow execution.
// Percent is the rounded step position (stepIndex / totalSteps * 100).
type ProgressEvent struct {
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id,omitempty"`
	StepLabel   string                 `json:"step_label,omitempty"`
	EventType   string                 `json:"event_type"`
	Status      schema.ExecutionStatus `json:"status"`
	Percent     int                    `json:"percent"`
	Error       string                 `json:"error,omitempty"`
}

// Filter specifies which progress events a subscriber wants to receive.
// Zero values match everything.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub fan-out of execution progress to observers.
// Publishing to an execution with no subscribers is a no-op, never an error.
type Hub interface {
	Publish(ctx context.Context, event ProgressEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan ProgressEvent, func(), error)
}
