package store

import "context"

// Store defines the persistence layer contract: the pattern repository, the
// durable execution record, and the append-only event log.
// All implementations must be safe for concurrent use. The store is the
// source of truth; the engine's in-memory context is a cache rebuilt from
// here on resume.
type Store interface {
	// Patterns (immutable definitions; read-only to the engine)
	StorePattern(ctx context.Context, pattern *PatternRecord) error
	GetPattern(ctx context.Context, id string) (*PatternRecord, error)
	ListPatterns(ctx context.Context) ([]*PatternRecord, error)

	// Executions (durable record; written on every transition)
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Events (append-only, per-execution monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EventAppender is the subset of Store the FSM needs to emit events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}
