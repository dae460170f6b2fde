package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// MemoryStore is an in-memory Store implementation for tests and
// single-process development runs. Data does not survive a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	patterns   map[string]*PatternRecord
	executions map[string]*Execution
	events     map[string][]*Event // executionID -> ordered events
	eventID    int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:   make(map[string]*PatternRecord),
		executions: make(map[string]*Execution),
		events:     make(map[string][]*Event),
	}
}

func (s *MemoryStore) StorePattern(_ context.Context, pattern *PatternRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pattern
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.patterns[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPattern(_ context.Context, id string) (*PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil, storeNotFound("pattern", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPatterns(_ context.Context) ([]*PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PatternRecord, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "execution %q already exists", exec.ID)
	}
	cp := cloneExecution(exec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.executions[cp.ID] = cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(e), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.CurrentStep != nil {
		e.CurrentStep = *update.CurrentStep
	}
	if update.StepData != nil {
		e.StepData = cloneData(update.StepData)
	}
	if update.Error != nil {
		e.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		e.CompletedAt = &t
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, e := range s.executions {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.OrganizationID != "" && e.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence.
func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	event.ID = s.eventID
	event.Sequence = int64(len(s.events[event.ExecutionID])) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneExecution(e *Execution) *Execution {
	cp := *e
	cp.StepData = cloneData(e.StepData)
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func storeNotFound(resource, id string) *schema.FlowError {
	code := schema.ErrCodeStore
	if resource == "execution" {
		code = schema.ErrCodeExecutionNotFound
	}
	return schema.NewErrorf(code, "%s %q not found", resource, id)
}

var _ Store = (*MemoryStore)(nil)
