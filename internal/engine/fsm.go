package engine

import (
	"context"
	"sync"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle transitions. Every accepted
// transition appends the corresponding event to the execution log, so the
// event log is a complete transition history.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender store.EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the appender.
func NewExecutionFSM(appender store.EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a status transition, emitting the
// corresponding lifecycle event. The caller persists the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := transitionEventType(from, to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit lifecycle event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// transitionEventType maps a transition to its lifecycle event. Resuming a
// paused execution is distinguished from the initial start.
func transitionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.StatusInProgress:
		if from == schema.StatusPaused {
			return schema.EventWorkflowResumed
		}
		return schema.EventWorkflowStarted
	case schema.StatusPaused:
		return schema.EventWorkflowPaused
	case schema.StatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.StatusFailed:
		return schema.EventWorkflowFailed
	case schema.StatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// ValidTransitions defines the allowed execution status transitions.
// Terminal statuses admit none.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending:    {schema.StatusInProgress, schema.StatusCancelled},
	schema.StatusInProgress: {schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusPaused:     {schema.StatusInProgress, schema.StatusCancelled, schema.StatusFailed},
	schema.StatusCompleted:  {},
	schema.StatusFailed:     {},
	schema.StatusCancelled:  {},
}
