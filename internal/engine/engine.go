package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/internal/directory"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
)

// IntegrationCaller invokes an external validation service for integration
// steps. The returned map is merged into the execution's accumulated data.
type IntegrationCaller interface {
	Call(ctx context.Context, cfg *schema.IntegrationConfig, payload map[string]any) (map[string]any, error)
}

// Config tunes engine timing.
type Config struct {
	// SettleDelay is the pause between an automated or integration step
	// finishing its work and the engine advancing past it. It keeps event
	// ordering observable to subscribers.
	SettleDelay time.Duration

	// SLAUnit is the duration of one SLA "hour". Production uses time.Hour;
	// tests shrink it to milliseconds to exercise escalation paths.
	SLAUnit time.Duration
}

// DefaultConfig returns production timing.
func DefaultConfig() Config {
	return Config{
		SettleDelay: 10 * time.Millisecond,
		SLAUnit:     time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 10 * time.Millisecond
	}
	if c.SLAUnit <= 0 {
		c.SLAUnit = time.Hour
	}
	return c
}

// activeExecution is the engine's in-memory context for a live execution. It
// caches the pattern and serializes all operations on the execution.
type activeExecution struct {
	mu      sync.Mutex
	pattern *schema.WorkflowPattern
	settle  *time.Timer // pending self-advance for automated/integration steps
}

// Engine drives workflow executions: it starts them from patterns, advances
// them step by step, routes on conditions, enforces step data contracts, arms
// SLA escalation timers and broadcasts progress. Terminal executions are
// evicted from the active set synchronously; the store remains the durable
// record.
type Engine struct {
	cfg          Config
	store        store.Store
	fsm          *ExecutionFSM
	hub          broadcast.Hub
	sink         notify.Sink
	dir          directory.Directory
	integrations IntegrationCaller

	validator *validation.StepValidator
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
	interp    *expressions.Interpolator

	logger *slog.Logger
	timers *timerRegistry

	mu     sync.Mutex
	active map[string]*activeExecution
}

// New creates an Engine. The integration caller may be nil when no pattern
// uses integration steps.
func New(cfg Config, st store.Store, hub broadcast.Hub, sink notify.Sink, dir directory.Directory, integrations IntegrationCaller, logger *slog.Logger) (*Engine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:          cfg.withDefaults(),
		store:        st,
		fsm:          NewExecutionFSM(st),
		hub:          hub,
		sink:         sink,
		dir:          dir,
		integrations: integrations,
		validator:    validation.NewStepValidator(),
		cel:          cel,
		jq:           expressions.NewGoJQEngine(),
		interp:       expressions.NewInterpolator(),
		logger:       logger,
		timers:       newTimerRegistry(),
		active:       make(map[string]*activeExecution),
	}, nil
}

// StartWorkflow creates an execution of the pattern and enters its first step.
func (e *Engine) StartWorkflow(ctx context.Context, patternID, userID, orgID string, initialData map[string]any) (*store.Execution, error) {
	rec, err := e.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	pattern := &rec.Pattern
	if err := validation.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:             uuid.NewString(),
		PatternID:      patternID,
		UserID:         userID,
		OrganizationID: orgID,
		CurrentStep:    pattern.Steps[0].ID,
		StepData:       mergeData(nil, initialData),
		Status:         schema.StatusPending,
		StartedAt:      &now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, orgID)

	if err := e.fsm.Transition(ctx, exec.ID, schema.StatusPending, schema.StatusInProgress); err != nil {
		return nil, err
	}
	if err := e.setStatus(ctx, exec, schema.StatusInProgress); err != nil {
		return nil, err
	}

	ae := &activeExecution{pattern: pattern}
	e.mu.Lock()
	e.active[exec.ID] = ae
	e.mu.Unlock()

	e.publishProgress(ctx, exec, "", schema.EventWorkflowStarted, 0, "")

	ae.mu.Lock()
	defer ae.mu.Unlock()
	if err := e.enterStep(ctx, ae, exec, &pattern.Steps[0]); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// AdvanceWorkflow validates and merges stepData for the current step, then
// routes the execution to its next step or completes it.
func (e *Engine) AdvanceWorkflow(ctx context.Context, executionID string, stepData map[string]any) (*store.Execution, error) {
	return e.advance(ctx, executionID, stepData, "")
}

// AdvanceWorkflowTo is AdvanceWorkflow with a routing override: the execution
// moves to the named step instead of the step the pattern's routing selects.
// The override target must exist in the pattern.
func (e *Engine) AdvanceWorkflowTo(ctx context.Context, executionID string, stepData map[string]any, nextStep string) (*store.Execution, error) {
	if nextStep == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "routing override requires a target step")
	}
	return e.advance(ctx, executionID, stepData, nextStep)
}

func (e *Engine) advance(ctx context.Context, executionID string, stepData map[string]any, override string) (*store.Execution, error) {
	ae, exec, err := e.lockActive(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer ae.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, exec.OrganizationID)

	if exec.Status != schema.StatusInProgress {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot advance execution in status %q", exec.Status)
	}

	step := ae.pattern.StepByID(exec.CurrentStep)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFound,
			"current step %q not in pattern %q", exec.CurrentStep, exec.PatternID)
	}
	if override != "" && ae.pattern.StepByID(override) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFound,
			"routing override targets unknown step %q", override)
	}

	ae.stopSettle()

	merged := mergeData(exec.StepData, stepData)
	if err := e.validator.ValidateStepData(ctx, step, merged); err != nil {
		if ferr, ok := err.(*schema.FlowError); ok && ferr.Code == schema.ErrCodeValidation {
			e.failWorkflow(ctx, ae, exec, ferr)
		}
		return nil, err
	}

	exec.StepData = merged
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{StepData: merged}); err != nil {
		return nil, err
	}

	e.timers.Clear(exec.ID, step.ID)
	e.appendStepEvent(ctx, exec, step.ID, schema.EventStepCompleted, stepData)
	e.publishProgress(ctx, exec, step.ID, schema.EventStepCompleted, e.percent(ae.pattern, step.ID), "")
	e.sendNotifications(ctx, exec, step, schema.NotifyPhaseComplete)

	next := override
	if next == "" {
		next, err = e.routeFrom(ctx, ae, exec, step)
		if err != nil {
			return nil, err
		}
	}

	if next == "" {
		if err := e.completeWorkflow(ctx, ae, exec); err != nil {
			return nil, err
		}
		return e.store.GetExecution(ctx, exec.ID)
	}

	if err := e.enterStep(ctx, ae, exec, ae.pattern.StepByID(next)); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// routeFrom picks the step after current: declared conditions first, then the
// pattern's positional order. Empty result means the pattern is exhausted.
func (e *Engine) routeFrom(ctx context.Context, ae *activeExecution, exec *store.Execution, step *schema.WorkflowStep) (string, error) {
	if len(step.Conditions) > 0 {
		branch, err := e.evaluateConditions(ctx, step, exec.StepData, executionMeta(exec))
		if err != nil {
			return "", err
		}
		if branch != "" {
			return branch, nil
		}
	}
	idx := ae.pattern.StepIndex(step.ID)
	if idx >= 0 && idx+1 < len(ae.pattern.Steps) {
		return ae.pattern.Steps[idx+1].ID, nil
	}
	return "", nil
}

// RetryStep re-runs the execution's current step from the top: its work is
// dispatched again exactly as on first entry. The recovery queue uses it to
// re-attempt an integration step that failed with a retryable error and left
// the execution in progress.
func (e *Engine) RetryStep(ctx context.Context, executionID string, stepData map[string]any) (*store.Execution, error) {
	ae, exec, err := e.lockActive(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer ae.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, exec.OrganizationID)

	if exec.Status != schema.StatusInProgress {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot retry execution in status %q", exec.Status)
	}
	step := ae.pattern.StepByID(exec.CurrentStep)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFound,
			"current step %q not in pattern %q", exec.CurrentStep, exec.PatternID)
	}

	if len(stepData) > 0 {
		exec.StepData = mergeData(exec.StepData, stepData)
		if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{StepData: exec.StepData}); err != nil {
			return nil, err
		}
	}

	if err := e.enterStep(ctx, ae, exec, step); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// PauseWorkflow suspends an in-progress execution. All timers for the
// execution are disarmed; the persisted status is "paused".
func (e *Engine) PauseWorkflow(ctx context.Context, executionID string) (*store.Execution, error) {
	ae, exec, err := e.lockActive(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer ae.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, exec.OrganizationID)

	if err := e.fsm.Transition(ctx, exec.ID, exec.Status, schema.StatusPaused); err != nil {
		return nil, err
	}
	ae.stopSettle()
	e.timers.ClearExecution(exec.ID)
	if err := e.setStatus(ctx, exec, schema.StatusPaused); err != nil {
		return nil, err
	}
	e.publishProgress(ctx, exec, exec.CurrentStep, schema.EventWorkflowPaused, e.percent(ae.pattern, exec.CurrentStep), "")
	return e.store.GetExecution(ctx, exec.ID)
}

// ResumeWorkflow reactivates a paused execution, re-arming the current step's
// SLA timer and re-scheduling automated work. It is the only operation that
// rebuilds the in-memory context from the store: a restored execution that
// was already in progress keeps its status, everything else transitions
// paused -> in_progress.
func (e *Engine) ResumeWorkflow(ctx context.Context, executionID string) (*store.Execution, error) {
	ae, exec, restored, err := e.lockOrRestore(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer ae.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, exec.OrganizationID)

	if !restored || exec.Status != schema.StatusInProgress {
		if err := e.fsm.Transition(ctx, exec.ID, exec.Status, schema.StatusInProgress); err != nil {
			return nil, err
		}
		if err := e.setStatus(ctx, exec, schema.StatusInProgress); err != nil {
			return nil, err
		}
	}
	e.publishProgress(ctx, exec, exec.CurrentStep, schema.EventWorkflowResumed, e.percent(ae.pattern, exec.CurrentStep), "")

	if step := ae.pattern.StepByID(exec.CurrentStep); step != nil {
		e.armSLATimer(exec, step)
		switch step.Type {
		case schema.StepTypeAutomated, schema.StepTypeIntegration:
			e.scheduleSettle(ae, exec.ID)
		}
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// CancelWorkflow cancels a non-terminal execution and evicts it.
func (e *Engine) CancelWorkflow(ctx context.Context, executionID string) (*store.Execution, error) {
	ae, exec, err := e.lockActive(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer ae.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, exec.OrganizationID)

	if err := e.fsm.Transition(ctx, exec.ID, exec.Status, schema.StatusCancelled); err != nil {
		return nil, err
	}
	if err := e.finishExecution(ctx, ae, exec, schema.StatusCancelled, ""); err != nil {
		return nil, err
	}
	e.publishProgress(ctx, exec, exec.CurrentStep, schema.EventWorkflowCancelled, e.percent(ae.pattern, exec.CurrentStep), "")
	return e.store.GetExecution(ctx, exec.ID)
}

// FailWorkflow marks a non-terminal execution failed with the given cause.
// The automation layer uses it when a recovery sequence exhausts its retries.
func (e *Engine) FailWorkflow(ctx context.Context, executionID string, cause error) (*store.Execution, error) {
	ae, exec, err := e.lockActive(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer ae.mu.Unlock()

	ctx = logging.WithIDs(ctx, exec.ID, exec.CurrentStep, exec.OrganizationID)

	ferr, ok := cause.(*schema.FlowError)
	if !ok {
		ferr = schema.NewError(schema.ErrCodeExternalService, cause.Error()).WithCause(cause)
	}
	e.failWorkflow(ctx, ae, exec, ferr)
	return e.store.GetExecution(ctx, exec.ID)
}

// Status returns the durable execution record, including terminal executions.
func (e *Engine) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Events returns the execution's event log after the given sequence.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return e.store.GetEvents(ctx, executionID, since)
}

// ListExecutions queries the durable record.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// ActiveCount returns the number of executions in the active set.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// EscalationTimerArmed reports whether an SLA timer is armed for the step.
func (e *Engine) EscalationTimerArmed(executionID, stepID string) bool {
	return e.timers.Armed(executionID, stepID)
}

// lockActive returns the in-memory context for the execution with its mutex
// held. Executions absent from the active set read as EXECUTION_NOT_FOUND:
// operations other than resume never rebuild from the store.
func (e *Engine) lockActive(ctx context.Context, executionID string) (*activeExecution, *store.Execution, error) {
	e.mu.Lock()
	ae, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeExecutionNotFound,
			"execution %q is not active", executionID)
	}

	ae.mu.Lock()
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		ae.mu.Unlock()
		return nil, nil, err
	}
	if exec.Status.IsTerminal() {
		ae.mu.Unlock()
		return nil, nil, schema.NewErrorf(schema.ErrCodeExecutionNotFound,
			"execution %q is %s and no longer active", executionID, exec.Status)
	}
	return ae, exec, nil
}

// lockOrRestore is lockActive with a rebuild path: a non-terminal execution
// absent from the active set gets its context reconstructed from the store.
// The restored flag tells the caller whether a rebuild happened. Only
// ResumeWorkflow uses this.
func (e *Engine) lockOrRestore(ctx context.Context, executionID string) (*activeExecution, *store.Execution, bool, error) {
	e.mu.Lock()
	ae, ok := e.active[executionID]
	e.mu.Unlock()

	restored := false
	if !ok {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, nil, false, err
		}
		if exec.Status.IsTerminal() {
			return nil, nil, false, schema.NewErrorf(schema.ErrCodeExecutionNotFound,
				"execution %q is %s and no longer active", executionID, exec.Status)
		}
		rec, err := e.store.GetPattern(ctx, exec.PatternID)
		if err != nil {
			return nil, nil, false, err
		}
		e.mu.Lock()
		if existing, raced := e.active[executionID]; raced {
			ae = existing
		} else {
			ae = &activeExecution{pattern: &rec.Pattern}
			e.active[executionID] = ae
			restored = true
		}
		e.mu.Unlock()
	}

	ae.mu.Lock()
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		ae.mu.Unlock()
		return nil, nil, false, err
	}
	if exec.Status.IsTerminal() {
		ae.mu.Unlock()
		return nil, nil, false, schema.NewErrorf(schema.ErrCodeExecutionNotFound,
			"execution %q is %s and no longer active", executionID, exec.Status)
	}
	return ae, exec, restored, nil
}

// completeWorkflow finishes a successfully exhausted execution.
func (e *Engine) completeWorkflow(ctx context.Context, ae *activeExecution, exec *store.Execution) error {
	if err := e.fsm.Transition(ctx, exec.ID, exec.Status, schema.StatusCompleted); err != nil {
		return err
	}
	if err := e.finishExecution(ctx, ae, exec, schema.StatusCompleted, ""); err != nil {
		return err
	}
	e.publishProgress(ctx, exec, exec.CurrentStep, schema.EventWorkflowCompleted, 100, "")
	return nil
}

// failWorkflow marks the execution failed. Best effort: failures here are
// logged, the triggering error is what callers see.
func (e *Engine) failWorkflow(ctx context.Context, ae *activeExecution, exec *store.Execution, cause *schema.FlowError) {
	if err := e.fsm.Transition(ctx, exec.ID, exec.Status, schema.StatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "fail transition rejected", slog.String("error", err.Error()))
		return
	}
	if err := e.finishExecution(ctx, ae, exec, schema.StatusFailed, cause.Error()); err != nil {
		e.logger.ErrorContext(ctx, "persist failed status", slog.String("error", err.Error()))
	}
	e.publishProgress(ctx, exec, exec.CurrentStep, schema.EventWorkflowFailed, e.percent(ae.pattern, exec.CurrentStep), cause.Error())
}

// finishExecution persists a terminal status, disarms timers and evicts the
// execution from the active set. Eviction is synchronous so a completed
// execution is never advanceable.
func (e *Engine) finishExecution(ctx context.Context, ae *activeExecution, exec *store.Execution, status schema.ExecutionStatus, errMsg string) error {
	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: &status, CompletedAt: &now}
	if errMsg != "" {
		update.Error = &errMsg
	}
	if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	exec.Status = status

	ae.stopSettle()
	e.timers.ClearExecution(exec.ID)

	e.mu.Lock()
	delete(e.active, exec.ID)
	e.mu.Unlock()
	return nil
}

func (e *Engine) setStatus(ctx context.Context, exec *store.Execution, status schema.ExecutionStatus) error {
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &status}); err != nil {
		return err
	}
	exec.Status = status
	return nil
}

func (e *Engine) appendStepEvent(ctx context.Context, exec *store.Execution, stepID, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	err := e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "append event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

func (e *Engine) publishProgress(ctx context.Context, exec *store.Execution, stepID, eventType string, percent int, errMsg string) {
	label := stepID
	if ae := e.peek(exec.ID); ae != nil {
		if step := ae.pattern.StepByID(stepID); step != nil {
			label = step.Name
		}
	}
	err := e.hub.Publish(ctx, broadcast.ProgressEvent{
		ExecutionID: exec.ID,
		StepID:      stepID,
		StepLabel:   label,
		EventType:   eventType,
		Status:      exec.Status,
		Percent:     percent,
		Error:       errMsg,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "publish progress", slog.String("error", err.Error()))
	}
}

func (e *Engine) peek(executionID string) *activeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[executionID]
}

// percent is the step's position as a rounded percentage, half up.
func (e *Engine) percent(pattern *schema.WorkflowPattern, stepID string) int {
	idx := pattern.StepIndex(stepID)
	n := len(pattern.Steps)
	if idx < 0 || n == 0 {
		return 0
	}
	return (200*idx + n) / (2 * n)
}

func (ae *activeExecution) stopSettle() {
	if ae.settle != nil {
		ae.settle.Stop()
		ae.settle = nil
	}
}

// executionMeta exposes execution identity to expression and template scopes.
func executionMeta(exec *store.Execution) map[string]any {
	return map[string]any{
		"id":     exec.ID,
		"user":   exec.UserID,
		"org":    exec.OrganizationID,
		"step":   exec.CurrentStep,
		"status": string(exec.Status),
	}
}

func mergeData(base, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}
