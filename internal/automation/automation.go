package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/procflow/internal/advisor"
	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Driver is the engine surface the automation layer drives. *engine.Engine
// satisfies it.
type Driver interface {
	StartWorkflow(ctx context.Context, patternID, userID, orgID string, initialData map[string]any) (*store.Execution, error)
	AdvanceWorkflow(ctx context.Context, executionID string, stepData map[string]any) (*store.Execution, error)
	AdvanceWorkflowTo(ctx context.Context, executionID string, stepData map[string]any, nextStep string) (*store.Execution, error)
	RetryStep(ctx context.Context, executionID string, stepData map[string]any) (*store.Execution, error)
	PauseWorkflow(ctx context.Context, executionID string) (*store.Execution, error)
	ResumeWorkflow(ctx context.Context, executionID string) (*store.Execution, error)
	CancelWorkflow(ctx context.Context, executionID string) (*store.Execution, error)
	FailWorkflow(ctx context.Context, executionID string, cause error) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*store.Execution, error)
}

// Recorder receives process tracking updates, including the finalized record
// when the execution reaches a terminal status. The monitor implements it.
type Recorder interface {
	Record(proc *schema.ProcessExecution)
}

// Config tunes the automation layer.
type Config struct {
	// MaxRetryAttempts bounds recovery re-attempts per failed transition.
	MaxRetryAttempts int
	// RecoveryInterval is how often the recovery queue is scanned.
	RecoveryInterval time.Duration
	// RetryBackoff is the base delay between recovery attempts; it doubles
	// per attempt up to MaxRetryDelay.
	RetryBackoff  time.Duration
	MaxRetryDelay time.Duration
	// AmountThreshold triggers a business escalation when accumulated data
	// carries a larger "amount". Zero disables the rule.
	AmountThreshold float64
	// SLAUnit mirrors the engine's SLA unit for the elapsed-time rule.
	SLAUnit time.Duration
	// RouteConfidence is the minimum advisor confidence to accept a routing
	// suggestion.
	RouteConfidence float64
	// Workers bounds concurrent recovery attempts.
	Workers int
}

// DefaultConfig returns production automation settings.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		RecoveryInterval: 5 * time.Second,
		RetryBackoff:     time.Second,
		MaxRetryDelay:    time.Minute,
		AmountThreshold:  10000,
		SLAUnit:          time.Hour,
		RouteConfidence:  0.75,
		Workers:          4,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 5 * time.Second
	}
	if c.SLAUnit <= 0 {
		c.SLAUnit = time.Hour
	}
	if c.RouteConfidence <= 0 {
		c.RouteConfidence = 0.75
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// procState wraps the extended tracking record with the counters the metrics
// derivation needs.
type procState struct {
	mu     sync.Mutex
	record schema.ProcessExecution

	advances           int
	validationFailures int
	aiProposals        int

	escalationSeen map[string]bool // stepID+reason
}

func (p *procState) snapshot() *schema.ProcessExecution {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.record
	cp.ValidationErrors = append([]string(nil), p.record.ValidationErrors...)
	cp.Escalations = append([]schema.EscalationRecord(nil), p.record.Escalations...)
	return &cp
}

func (p *procState) addValidationError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validationFailures++
	p.record.ValidationErrors = append(p.record.ValidationErrors, msg)
}

func (p *procState) addEscalation(rec schema.EscalationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.escalationSeen == nil {
		p.escalationSeen = make(map[string]bool)
	}
	p.escalationSeen[rec.StepID+"|"+rec.Reason] = true
	p.record.Escalations = append(p.record.Escalations, rec)
}

func (p *procState) escalated(stepID, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escalationSeen[stepID+"|"+reason]
}

// Automator is the process automation layer: it fronts the engine with AI
// validation and routing, maintains extended per-process tracking, applies
// rule-based escalation, and owns the recovery queue for retryable failures.
// The AI advisor is strictly optional; every advisor failure falls back to
// rule-based behavior.
type Automator struct {
	cfg      Config
	driver   Driver
	store    store.Store
	advisor  advisor.Advisor // nil when not configured
	hub      broadcast.Hub
	sink     notify.Sink
	recorder Recorder // nil when no monitor attached
	logger   *slog.Logger

	pool     *WorkerPool
	recovery *recoveryQueue

	mu    sync.Mutex
	procs map[string]*procState

	stopOnce  sync.Once
	stop      chan struct{}
	unsub     func()
	loopsDone sync.WaitGroup
}

// New creates an Automator. advisor and recorder may be nil.
func New(cfg Config, driver Driver, st store.Store, adv advisor.Advisor, hub broadcast.Hub, sink notify.Sink, recorder Recorder, logger *slog.Logger) *Automator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Automator{
		cfg:      cfg,
		driver:   driver,
		store:    st,
		advisor:  adv,
		hub:      hub,
		sink:     sink,
		recorder: recorder,
		logger:   logger,
		pool:     NewWorkerPool(cfg.Workers),
		recovery: newRecoveryQueue(),
		procs:    make(map[string]*procState),
		stop:     make(chan struct{}),
	}
}

// Start launches the background loops: the hub subscription that tracks
// execution outcomes, and the recovery scanner.
func (a *Automator) Start(ctx context.Context) error {
	ch, unsub, err := a.hub.Subscribe(ctx, broadcast.Filter{})
	if err != nil {
		return err
	}
	a.unsub = unsub

	a.loopsDone.Add(2)
	go a.consumeProgress(ch)
	go a.recoveryLoop(ctx)
	return nil
}

// Stop shuts down the background loops and the worker pool.
func (a *Automator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.unsub != nil {
			a.unsub()
		}
	})
	a.loopsDone.Wait()
	a.pool.Shutdown()
}

// StartProcess starts an execution of the pattern and begins tracking it.
func (a *Automator) StartProcess(ctx context.Context, patternID, userID, orgID string, initialData map[string]any) (*schema.ProcessExecution, error) {
	exec, err := a.driver.StartWorkflow(ctx, patternID, userID, orgID, initialData)
	if err != nil {
		return nil, err
	}

	proc := &procState{record: schema.ProcessExecution{
		ExecutionID:    exec.ID,
		PatternID:      exec.PatternID,
		UserID:         exec.UserID,
		OrganizationID: exec.OrganizationID,
		Status:         exec.Status,
		CurrentStep:    exec.CurrentStep,
		StartedAt:      orNow(exec.StartedAt),
	}}
	a.mu.Lock()
	a.procs[exec.ID] = proc
	a.mu.Unlock()

	// Registration happens after StartWorkflow already published its first
	// events, so a terminal outcome observed here must finalize directly.
	if exec.Status.IsTerminal() {
		a.finalize(exec.ID, proc)
	}

	snap := proc.snapshot()
	if a.recorder != nil {
		a.recorder.Record(snap)
	}
	return snap, nil
}

// AdvanceProcess advances an execution on behalf of a tenant. The orgID must
// match the execution's organization; a mismatch reads as not-found so that
// tenants cannot enumerate each other's executions.
//
// The advisor, when present, gets two hooks: a validation pass over the
// incoming data (only error-severity findings block) and a routing
// suggestion (applied when confidence clears the configured bar).
func (a *Automator) AdvanceProcess(ctx context.Context, orgID, executionID string, stepData map[string]any) (*schema.ProcessExecution, error) {
	proc, err := a.requireProc(ctx, orgID, executionID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, executionID, "", orgID)

	exec, err := a.driver.Status(ctx, executionID)
	if err != nil {
		return nil, err
	}

	rec, err := a.store.GetPattern(ctx, exec.PatternID)
	if err != nil {
		return nil, err
	}
	step := rec.Pattern.StepByID(exec.CurrentStep)

	proc.mu.Lock()
	proc.advances++
	proc.mu.Unlock()

	if blocked := a.adviseValidation(ctx, proc, step, exec, stepData); blocked != nil {
		return nil, blocked
	}

	route := a.adviseRoute(ctx, proc, &rec.Pattern, step, exec, stepData)

	var moved *store.Execution
	if route != "" {
		moved, err = a.driver.AdvanceWorkflowTo(ctx, executionID, stepData, route)
	} else {
		moved, err = a.driver.AdvanceWorkflow(ctx, executionID, stepData)
	}
	if err != nil {
		if ferr, ok := asFlowError(err); ok && ferr.Code == schema.ErrCodeValidation {
			proc.addValidationError(ferr.Error())
		} else if IsRetryableError(err) {
			a.enqueueRecovery(ctx, executionID, exec.CurrentStep, stepData, err)
		}
		return nil, err
	}

	proc.mu.Lock()
	proc.record.Status = moved.Status
	proc.record.CurrentStep = moved.CurrentStep
	proc.mu.Unlock()

	a.checkEscalation(ctx, proc, moved, rec.Pattern.StepByID(moved.CurrentStep))

	// The hub subscription also observes terminal events but may drop them
	// under backpressure; finalizing here is the authoritative path.
	if moved.Status.IsTerminal() {
		a.finalize(executionID, proc)
	}

	snap := proc.snapshot()
	if a.recorder != nil {
		a.recorder.Record(snap)
	}
	return snap, nil
}

// PauseProcess, ResumeProcess and CancelProcess apply the same tenant check
// as AdvanceProcess before delegating to the engine.
func (a *Automator) PauseProcess(ctx context.Context, orgID, executionID string) (*schema.ProcessExecution, error) {
	return a.lifecycle(ctx, orgID, executionID, a.driver.PauseWorkflow)
}

func (a *Automator) ResumeProcess(ctx context.Context, orgID, executionID string) (*schema.ProcessExecution, error) {
	return a.lifecycle(ctx, orgID, executionID, a.driver.ResumeWorkflow)
}

func (a *Automator) CancelProcess(ctx context.Context, orgID, executionID string) (*schema.ProcessExecution, error) {
	return a.lifecycle(ctx, orgID, executionID, a.driver.CancelWorkflow)
}

func (a *Automator) lifecycle(ctx context.Context, orgID, executionID string, op func(context.Context, string) (*store.Execution, error)) (*schema.ProcessExecution, error) {
	proc, err := a.requireProc(ctx, orgID, executionID)
	if err != nil {
		return nil, err
	}
	exec, err := op(logging.WithIDs(ctx, executionID, "", orgID), executionID)
	if err != nil {
		return nil, err
	}
	proc.mu.Lock()
	proc.record.Status = exec.Status
	proc.record.CurrentStep = exec.CurrentStep
	proc.mu.Unlock()

	if exec.Status.IsTerminal() {
		a.finalize(executionID, proc)
	}

	snap := proc.snapshot()
	if a.recorder != nil {
		a.recorder.Record(snap)
	}
	return snap, nil
}

// Process returns the tracking record for a tenant's execution.
func (a *Automator) Process(ctx context.Context, orgID, executionID string) (*schema.ProcessExecution, error) {
	proc, err := a.requireProc(ctx, orgID, executionID)
	if err != nil {
		return nil, err
	}
	return proc.snapshot(), nil
}

// Processes returns all tracked records for a tenant.
func (a *Automator) Processes(orgID string) []*schema.ProcessExecution {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*schema.ProcessExecution
	for _, p := range a.procs {
		if p.record.OrganizationID == orgID {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// PendingRecoveries reports the recovery queue depth.
func (a *Automator) PendingRecoveries() int {
	return a.recovery.len()
}

// adviseValidation runs the advisor's validation pass. Fail open: advisor
// errors are logged and ignored. Only error-severity issues block; warnings
// are recorded on the tracking record.
func (a *Automator) adviseValidation(ctx context.Context, proc *procState, step *schema.WorkflowStep, exec *store.Execution, stepData map[string]any) error {
	if a.advisor == nil || step == nil {
		return nil
	}

	merged := make(map[string]any, len(exec.StepData)+len(stepData))
	for k, v := range exec.StepData {
		merged[k] = v
	}
	for k, v := range stepData {
		merged[k] = v
	}

	verdict, err := a.advisor.Validate(ctx, merged, step)
	if err != nil {
		a.logger.WarnContext(ctx, "advisor validation unavailable", slog.String("error", err.Error()))
		return nil
	}
	if verdict == nil {
		return nil
	}

	for _, iss := range verdict.Issues {
		if iss.Severity != advisor.SeverityError {
			proc.mu.Lock()
			proc.record.ValidationErrors = append(proc.record.ValidationErrors, iss.Message)
			proc.mu.Unlock()
		}
	}

	blocking := verdict.BlockingIssues()
	if len(blocking) == 0 {
		return nil
	}

	fields := make([]string, 0, len(blocking))
	for _, iss := range blocking {
		if iss.Field != "" {
			fields = append(fields, iss.Field)
		}
	}
	proc.addValidationError(blocking[0].Message)
	return schema.NewErrorf(schema.ErrCodeValidation,
		"advisor rejected step data: %s", blocking[0].Message).
		WithStep(step.ID).
		WithFields(fields)
}

// adviseRoute asks the advisor for a routing suggestion and returns the
// override target when it clears the confidence bar, "" otherwise.
func (a *Automator) adviseRoute(ctx context.Context, proc *procState, pattern *schema.WorkflowPattern, step *schema.WorkflowStep, exec *store.Execution, stepData map[string]any) string {
	if a.advisor == nil || step == nil {
		return ""
	}

	suggestion, err := a.advisor.Route(ctx, pattern, step, exec.StepData)
	if err != nil {
		a.logger.WarnContext(ctx, "advisor routing unavailable", slog.String("error", err.Error()))
		return ""
	}
	if suggestion == nil || suggestion.NextStep == "" {
		return ""
	}

	proc.mu.Lock()
	proc.aiProposals++
	proc.mu.Unlock()

	if suggestion.Confidence < a.cfg.RouteConfidence {
		a.logger.DebugContext(ctx, "routing suggestion below confidence bar",
			slog.String("next_step", suggestion.NextStep),
			slog.Float64("confidence", suggestion.Confidence))
		return ""
	}
	if pattern.StepByID(suggestion.NextStep) == nil {
		a.logger.WarnContext(ctx, "routing suggestion targets unknown step",
			slog.String("next_step", suggestion.NextStep))
		return ""
	}

	proc.mu.Lock()
	proc.record.AIDecisionsUsed++
	proc.mu.Unlock()

	a.logger.InfoContext(ctx, "advisor routing applied",
		slog.String("next_step", suggestion.NextStep),
		slog.Float64("confidence", suggestion.Confidence),
		slog.String("reasoning", suggestion.Reasoning))
	return suggestion.NextStep
}

// consumeProgress tracks execution outcomes from the hub: status and position
// updates, escalations observed from the engine's SLA timers, and terminal
// finalization.
func (a *Automator) consumeProgress(ch <-chan broadcast.ProgressEvent) {
	defer a.loopsDone.Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.handleProgress(ev)
		case <-a.stop:
			return
		}
	}
}

func (a *Automator) handleProgress(ev broadcast.ProgressEvent) {
	proc := a.lookup(ev.ExecutionID)
	if proc == nil {
		return
	}

	proc.mu.Lock()
	proc.record.Status = ev.Status
	if ev.StepID != "" {
		proc.record.CurrentStep = ev.StepID
	}
	proc.mu.Unlock()

	if ev.EventType == schema.EventEscalationTriggered && !proc.escalated(ev.StepID, ReasonSLAExceeded) {
		proc.addEscalation(schema.EscalationRecord{
			StepID:      ev.StepID,
			Reason:      ReasonSLAExceeded,
			EscalatedAt: time.Now().UTC(),
		})
	}

	// A non-terminal step failure means the engine held the execution open
	// for recovery. Self-advanced steps fail outside any caller, so this is
	// the only place those failures can reach the queue.
	if ev.EventType == schema.EventStepFailed && !ev.Status.IsTerminal() {
		a.queueRecoveryFromEvent(ev)
	}

	if ev.Status.IsTerminal() {
		a.finalize(ev.ExecutionID, proc)
	}
}

// finalize computes metrics for a terminal process, hands the record to the
// monitor and evicts the tracking entry. Terminal records remain queryable
// through the monitor and the store only.
func (a *Automator) finalize(executionID string, proc *procState) {
	ctx := logging.WithExecutionID(context.Background(), executionID)

	proc.mu.Lock()
	alreadyEnded := proc.record.EndedAt != nil
	if !alreadyEnded {
		now := time.Now().UTC()
		proc.record.EndedAt = &now
	}
	proc.mu.Unlock()
	if alreadyEnded {
		return
	}

	proc.mu.Lock()
	a.finalizeMetrics(ctx, proc)
	proc.mu.Unlock()

	if a.recorder != nil {
		a.recorder.Record(proc.snapshot())
	}

	a.mu.Lock()
	delete(a.procs, executionID)
	a.mu.Unlock()
}

func (a *Automator) recoveryLoop(ctx context.Context) {
	defer a.loopsDone.Done()
	ticker := time.NewTicker(a.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.processRecovery(ctx)
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Automator) lookup(executionID string) *procState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.procs[executionID]
}

// requireProc enforces tenant isolation: unknown executions and executions
// belonging to another organization are indistinguishable.
func (a *Automator) requireProc(_ context.Context, orgID, executionID string) (*procState, error) {
	proc := a.lookup(executionID)
	if proc == nil || proc.record.OrganizationID != orgID {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionNotFound,
			"execution %q not found", executionID)
	}
	return proc, nil
}

func (a *Automator) appendEvent(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	err := a.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	})
	if err != nil {
		a.logger.WarnContext(ctx, "append event", slog.String("error", err.Error()))
	}
}

func asFlowError(err error) (*schema.FlowError, bool) {
	ferr, ok := err.(*schema.FlowError)
	return ferr, ok
}

func orNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}
