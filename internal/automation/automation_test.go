package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/advisor"
	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/internal/directory"
	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

type stubAdvisor struct {
	verdict    *advisor.ValidationVerdict
	verdictErr error
	route      *advisor.RoutingSuggestion
	routeErr   error
}

func (s *stubAdvisor) Validate(context.Context, map[string]any, *schema.WorkflowStep) (*advisor.ValidationVerdict, error) {
	return s.verdict, s.verdictErr
}

func (s *stubAdvisor) Route(context.Context, *schema.WorkflowPattern, *schema.WorkflowStep, map[string]any) (*advisor.RoutingSuggestion, error) {
	return s.route, s.routeErr
}

type recordedProcs struct {
	mu   sync.Mutex
	recs []*schema.ProcessExecution
}

func (r *recordedProcs) Record(proc *schema.ProcessExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, proc)
}

func (r *recordedProcs) all() []*schema.ProcessExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*schema.ProcessExecution(nil), r.recs...)
}

type autoRig struct {
	automator *Automator
	store     *store.MemoryStore
	sink      *notify.MemorySink
	recorder  *recordedProcs
}

func newAutoRig(t *testing.T, cfg Config, adv advisor.Advisor, patterns ...schema.WorkflowPattern) *autoRig {
	t.Helper()

	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	sink := notify.NewMemorySink()
	dir := directory.NewStaticDirectory()
	dir.Assign("acme", "manager", "morgan")

	eng, err := engine.New(engine.Config{SettleDelay: 2 * time.Millisecond}, st, hub, sink, dir, nil, nil)
	require.NoError(t, err)

	rec := &recordedProcs{}
	a := New(cfg, eng, st, adv, hub, sink, rec, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	ctx := context.Background()
	for _, p := range patterns {
		require.NoError(t, st.StorePattern(ctx, &store.PatternRecord{ID: p.ID, Pattern: p}))
	}
	return &autoRig{automator: a, store: st, sink: sink, recorder: rec}
}

func twoStepPattern() schema.WorkflowPattern {
	return schema.WorkflowPattern{
		ID: "two-step",
		Steps: []schema.WorkflowStep{
			{ID: "first", Name: "First", Type: schema.StepTypeManual},
			{ID: "second", Name: "Second", Type: schema.StepTypeManual},
		},
	}
}

func TestStartProcess_TracksExecution(t *testing.T) {
	r := newAutoRig(t, Config{}, nil, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInProgress, proc.Status)
	assert.Equal(t, "first", proc.CurrentStep)
	assert.Equal(t, "acme", proc.OrganizationID)
}

func TestAdvanceProcess_TenantIsolation(t *testing.T) {
	r := newAutoRig(t, Config{}, nil, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = r.automator.AdvanceProcess(ctx, "globex", proc.ExecutionID, nil)
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeExecutionNotFound, ferr.Code, "wrong tenant must read as not-found")

	_, err = r.automator.Process(ctx, "globex", proc.ExecutionID)
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeExecutionNotFound, ferr.Code)

	assert.Empty(t, r.automator.Processes("globex"))
	assert.Len(t, r.automator.Processes("acme"), 1)
}

func TestAdvanceProcess_CompletesAndFinalizes(t *testing.T) {
	r := newAutoRig(t, Config{}, nil, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err)
	final, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err)

	// Finalization happens on the completing advance itself, not via the
	// lossy hub subscription, so the returned snapshot is already final.
	assert.Equal(t, schema.StatusCompleted, final.Status)
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, 2, final.Metrics.TotalSteps)
	assert.Equal(t, 0, final.Metrics.AutomatedSteps)
	assert.Equal(t, 1.0, final.Metrics.ValidationSuccessRate)
	assert.GreaterOrEqual(t, final.Metrics.CompletionTimeMs, int64(0))

	recs := r.recorder.all()
	require.NotEmpty(t, recs)
	assert.NotNil(t, recs[len(recs)-1].EndedAt, "finalized process is handed to the recorder")
}

func TestFinalize_EvictsTerminalProcess(t *testing.T) {
	r := newAutoRig(t, Config{}, nil, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
	require.NoError(t, err)
	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err)
	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err)

	// Terminal records leave the automation layer; the recorder and the
	// store keep them.
	_, err = r.automator.Process(ctx, "acme", proc.ExecutionID)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeExecutionNotFound, ferr.Code)
	assert.Empty(t, r.automator.Processes("acme"))

	recs := r.recorder.all()
	require.NotEmpty(t, recs)
	assert.Equal(t, schema.StatusCompleted, recs[len(recs)-1].Status)

	exec, err := r.store.GetExecution(ctx, proc.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, exec.Status)
}

func TestAdvisor_BlocksOnlyOnErrorSeverity(t *testing.T) {
	adv := &stubAdvisor{verdict: &advisor.ValidationVerdict{
		Valid: false,
		Issues: []advisor.ValidationIssue{
			{Field: "amount", Message: "amount looks wrong", Severity: advisor.SeverityError},
			{Field: "note", Message: "note is vague", Severity: advisor.SeverityWarning},
		},
	}}
	r := newAutoRig(t, Config{}, adv, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, map[string]any{"amount": -1})
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
	assert.Equal(t, []string{"amount"}, ferr.Details["fields"])

	// The engine was never asked to advance.
	exec, err := r.store.GetExecution(ctx, proc.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "first", exec.CurrentStep)
	assert.Equal(t, schema.StatusInProgress, exec.Status)
}

func TestAdvisor_WarningsDoNotBlock(t *testing.T) {
	adv := &stubAdvisor{verdict: &advisor.ValidationVerdict{
		Valid:  false,
		Issues: []advisor.ValidationIssue{{Message: "check the vendor", Severity: advisor.SeverityWarning}},
	}}
	r := newAutoRig(t, Config{}, adv, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
	require.NoError(t, err)

	moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", moved.CurrentStep)
	assert.Contains(t, moved.ValidationErrors, "check the vendor", "warnings are recorded, not enforced")
}

func TestAdvisor_FailOpen(t *testing.T) {
	adv := &stubAdvisor{
		verdictErr: schema.NewError(schema.ErrCodeAdvisorUnavailable, "circuit open"),
		routeErr:   schema.NewError(schema.ErrCodeAdvisorUnavailable, "circuit open"),
	}
	r := newAutoRig(t, Config{}, adv, twoStepPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
	require.NoError(t, err)

	moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err, "advisor failure must fall back to rule-based behavior")
	assert.Equal(t, "second", moved.CurrentStep)
	assert.Equal(t, 0, moved.AIDecisionsUsed)
}

func TestAdvisor_RoutingOverride(t *testing.T) {
	pattern := schema.WorkflowPattern{
		ID: "routed",
		Steps: []schema.WorkflowStep{
			{ID: "start", Type: schema.StepTypeManual},
			{ID: "slow_lane", Type: schema.StepTypeManual},
			{ID: "fast_lane", Type: schema.StepTypeManual},
		},
	}

	t.Run("confident suggestion is applied", func(t *testing.T) {
		adv := &stubAdvisor{route: &advisor.RoutingSuggestion{NextStep: "fast_lane", Confidence: 0.9, Reasoning: "low risk"}}
		r := newAutoRig(t, Config{}, adv, pattern)
		ctx := context.Background()

		proc, err := r.automator.StartProcess(ctx, "routed", "alice", "acme", nil)
		require.NoError(t, err)

		moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
		require.NoError(t, err)
		assert.Equal(t, "fast_lane", moved.CurrentStep)
		assert.Equal(t, 1, moved.AIDecisionsUsed)
	})

	t.Run("low confidence falls back to pattern routing", func(t *testing.T) {
		adv := &stubAdvisor{route: &advisor.RoutingSuggestion{NextStep: "fast_lane", Confidence: 0.3}}
		r := newAutoRig(t, Config{}, adv, pattern)
		ctx := context.Background()

		proc, err := r.automator.StartProcess(ctx, "routed", "alice", "acme", nil)
		require.NoError(t, err)

		moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
		require.NoError(t, err)
		assert.Equal(t, "slow_lane", moved.CurrentStep)
		assert.Equal(t, 0, moved.AIDecisionsUsed)
	})

	t.Run("unknown target is ignored", func(t *testing.T) {
		adv := &stubAdvisor{route: &advisor.RoutingSuggestion{NextStep: "nowhere", Confidence: 0.99}}
		r := newAutoRig(t, Config{}, adv, pattern)
		ctx := context.Background()

		proc, err := r.automator.StartProcess(ctx, "routed", "alice", "acme", nil)
		require.NoError(t, err)

		moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
		require.NoError(t, err)
		assert.Equal(t, "slow_lane", moved.CurrentStep)
	})
}

func TestEscalationRules(t *testing.T) {
	pattern := schema.WorkflowPattern{
		ID: "spendy",
		Steps: []schema.WorkflowStep{
			{ID: "request", Type: schema.StepTypeManual},
			{ID: "approve", Name: "Approve", Type: schema.StepTypeApproval,
				EscalationRules: []schema.EscalationRule{{EscalateTo: []string{"cfo"}}}},
			{ID: "critical_fix", Name: "Critical Fix", Type: schema.StepTypeManual, Priority: "critical"},
		},
	}

	t.Run("amount above threshold", func(t *testing.T) {
		r := newAutoRig(t, Config{AmountThreshold: 1000}, nil, pattern)
		ctx := context.Background()

		proc, err := r.automator.StartProcess(ctx, "spendy", "alice", "acme", nil)
		require.NoError(t, err)

		moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, map[string]any{"amount": 50000})
		require.NoError(t, err)

		require.Len(t, moved.Escalations, 1)
		assert.Equal(t, ReasonAmountThreshold, moved.Escalations[0].Reason)
		assert.Equal(t, "approve", moved.Escalations[0].StepID)
		assert.Equal(t, []string{"cfo"}, moved.Escalations[0].EscalatedTo)

		sent := r.sink.Sent()
		require.NotEmpty(t, sent)
		assert.Equal(t, "high", sent[len(sent)-1].Priority)
	})

	t.Run("critical priority step", func(t *testing.T) {
		r := newAutoRig(t, Config{AmountThreshold: 1000}, nil, pattern)
		ctx := context.Background()

		proc, err := r.automator.StartProcess(ctx, "spendy", "alice", "acme", nil)
		require.NoError(t, err)

		_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
		require.NoError(t, err)
		moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
		require.NoError(t, err)

		require.NotEmpty(t, moved.Escalations)
		last := moved.Escalations[len(moved.Escalations)-1]
		assert.Equal(t, ReasonCriticalStep, last.Reason)
		assert.Equal(t, "critical_fix", last.StepID)
	})

	t.Run("escalation event lands in the log", func(t *testing.T) {
		r := newAutoRig(t, Config{AmountThreshold: 1000}, nil, twoStepPattern())
		ctx := context.Background()

		proc, err := r.automator.StartProcess(ctx, "two-step", "alice", "acme", nil)
		require.NoError(t, err)

		moved, err := r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, map[string]any{"amount": 9999})
		require.NoError(t, err)
		require.Len(t, moved.Escalations, 1)

		events, err := r.store.GetEvents(ctx, proc.ExecutionID, 0)
		require.NoError(t, err)
		var found bool
		for _, ev := range events {
			if ev.Type == schema.EventEscalationTriggered {
				found = true
			}
		}
		assert.True(t, found)
	})
}

// failingDriver always fails advances with a retryable error. It lets the
// recovery bound be exercised without a real engine.
type failingDriver struct {
	mu         sync.Mutex
	exec       store.Execution
	advanceErr error
	advances   int
	failedWith []error
}

func (d *failingDriver) StartWorkflow(_ context.Context, patternID, userID, orgID string, _ map[string]any) (*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	d.exec = store.Execution{
		ID:             "exec-1",
		PatternID:      patternID,
		UserID:         userID,
		OrganizationID: orgID,
		CurrentStep:    "first",
		Status:         schema.StatusInProgress,
		StartedAt:      &now,
	}
	cp := d.exec
	return &cp, nil
}

func (d *failingDriver) AdvanceWorkflow(context.Context, string, map[string]any) (*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advances++
	return nil, d.advanceErr
}

func (d *failingDriver) AdvanceWorkflowTo(ctx context.Context, id string, data map[string]any, _ string) (*store.Execution, error) {
	return d.AdvanceWorkflow(ctx, id, data)
}

func (d *failingDriver) RetryStep(ctx context.Context, id string, data map[string]any) (*store.Execution, error) {
	return d.AdvanceWorkflow(ctx, id, data)
}

func (d *failingDriver) PauseWorkflow(context.Context, string) (*store.Execution, error) {
	return d.snapshot(), nil
}

func (d *failingDriver) ResumeWorkflow(context.Context, string) (*store.Execution, error) {
	return d.snapshot(), nil
}

func (d *failingDriver) CancelWorkflow(context.Context, string) (*store.Execution, error) {
	return d.snapshot(), nil
}

func (d *failingDriver) FailWorkflow(_ context.Context, _ string, cause error) (*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec.Status = schema.StatusFailed
	d.failedWith = append(d.failedWith, cause)
	cp := d.exec
	return &cp, nil
}

func (d *failingDriver) Status(context.Context, string) (*store.Execution, error) {
	return d.snapshot(), nil
}

func (d *failingDriver) snapshot() *store.Execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := d.exec
	return &cp
}

func (d *failingDriver) failures() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.failedWith...)
}

func TestRecovery_RetriesThenFailsWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	drv := &failingDriver{advanceErr: schema.NewError(schema.ErrCodeExternalService, "upstream 503")}

	a := New(Config{
		MaxRetryAttempts: 2,
		RecoveryInterval: 5 * time.Millisecond,
		RetryBackoff:     time.Millisecond,
		MaxRetryDelay:    5 * time.Millisecond,
		Workers:          2,
	}, drv, st, nil, hub, notify.NewMemorySink(), nil, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	ctx := context.Background()
	require.NoError(t, st.StorePattern(ctx, &store.PatternRecord{ID: "p", Pattern: twoStepPattern()}))
	proc, err := a.StartProcess(ctx, "p", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = a.AdvanceProcess(ctx, "acme", proc.ExecutionID, map[string]any{"amount": 1})
	require.Error(t, err)
	assert.Equal(t, 1, a.PendingRecoveries(), "retryable failure lands in the recovery queue")

	require.Eventually(t, func() bool {
		return a.PendingRecoveries() == 0 && len(drv.failures()) == 1
	}, 2*time.Second, 5*time.Millisecond, "retries exhaust and the execution is failed")

	var ferr *schema.FlowError
	require.ErrorAs(t, drv.failures()[0], &ferr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, ferr.Code)

	events, err := st.GetEvents(ctx, proc.ExecutionID, 0)
	require.NoError(t, err)
	attempts := 0
	for _, ev := range events {
		if ev.Type == schema.EventRecoveryAttempt {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts, "one log entry per recovery attempt")
}

func TestRecovery_NonRetryableFailureIsNotQueued(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	drv := &failingDriver{advanceErr: schema.NewError(schema.ErrCodeInvalidTransition, "workflow is paused")}

	a := New(Config{RecoveryInterval: 5 * time.Millisecond}, drv, st, nil, hub, notify.NewMemorySink(), nil, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	ctx := context.Background()
	require.NoError(t, st.StorePattern(ctx, &store.PatternRecord{ID: "p", Pattern: twoStepPattern()}))
	proc, err := a.StartProcess(ctx, "p", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = a.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.Error(t, err)
	assert.Equal(t, 0, a.PendingRecoveries())
	assert.Empty(t, drv.failures())
}

// flakyCaller fails its first failN calls with a retryable error, then
// succeeds.
type flakyCaller struct {
	mu    sync.Mutex
	calls int
	failN int
}

func (c *flakyCaller) Call(context.Context, *schema.IntegrationConfig, map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failN {
		return nil, schema.NewError(schema.ErrCodeExternalService, "upstream 503")
	}
	return map[string]any{"verified": true}, nil
}

func (c *flakyCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func integrationPattern() schema.WorkflowPattern {
	return schema.WorkflowPattern{
		ID: "verified-flow",
		Steps: []schema.WorkflowStep{
			{ID: "input", Type: schema.StepTypeManual},
			{ID: "verify", Type: schema.StepTypeIntegration,
				Integration: &schema.IntegrationConfig{URL: "http://validator.local/check"}},
			{ID: "done", Type: schema.StepTypeManual},
		},
	}
}

// newIntegrationRig wires the automator to a real engine with the given
// integration caller so recovery is exercised end to end.
func newIntegrationRig(t *testing.T, caller *flakyCaller, patterns ...schema.WorkflowPattern) *autoRig {
	t.Helper()

	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	sink := notify.NewMemorySink()
	dir := directory.NewStaticDirectory()

	eng, err := engine.New(engine.Config{SettleDelay: 2 * time.Millisecond}, st, hub, sink, dir, caller, nil)
	require.NoError(t, err)

	rec := &recordedProcs{}
	a := New(Config{
		MaxRetryAttempts: 2,
		RecoveryInterval: 5 * time.Millisecond,
		RetryBackoff:     time.Millisecond,
		MaxRetryDelay:    5 * time.Millisecond,
		Workers:          2,
	}, eng, st, nil, hub, sink, rec, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	ctx := context.Background()
	for _, p := range patterns {
		require.NoError(t, st.StorePattern(ctx, &store.PatternRecord{ID: p.ID, Pattern: p}))
	}
	return &autoRig{automator: a, store: st, sink: sink, recorder: rec}
}

func TestRecovery_RetriesIntegrationStepThroughEngine(t *testing.T) {
	caller := &flakyCaller{failN: 1 << 30} // never recovers
	r := newIntegrationRig(t, caller, integrationPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "verified-flow", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, map[string]any{"doc": "x"})
	require.Error(t, err)

	// The failed call leaves the execution live at the integration step.
	exec, err := r.store.GetExecution(ctx, proc.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInProgress, exec.Status)
	assert.Equal(t, "verify", exec.CurrentStep)

	require.Eventually(t, func() bool {
		cur, err := r.store.GetExecution(ctx, proc.ExecutionID)
		return err == nil && cur.Status == schema.StatusFailed
	}, 2*time.Second, 5*time.Millisecond, "retries exhaust and the execution fails")

	// One original call plus one per recovery attempt.
	assert.Equal(t, 3, caller.count())
	assert.Equal(t, 0, r.automator.PendingRecoveries())

	final, err := r.store.GetExecution(ctx, proc.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, final.Error, schema.ErrCodeRetryExhausted)

	events, err := r.store.GetEvents(ctx, proc.ExecutionID, 0)
	require.NoError(t, err)
	attempts := 0
	for _, ev := range events {
		if ev.Type == schema.EventRecoveryAttempt {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestRecovery_SucceedsAfterTransientFailure(t *testing.T) {
	caller := &flakyCaller{failN: 1}
	r := newIntegrationRig(t, caller, integrationPattern())
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "verified-flow", "alice", "acme", nil)
	require.NoError(t, err)

	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, map[string]any{"doc": "x"})
	require.Error(t, err)
	assert.Equal(t, 1, r.automator.PendingRecoveries())

	require.Eventually(t, func() bool {
		cur, err := r.store.GetExecution(ctx, proc.ExecutionID)
		return err == nil && cur.CurrentStep == "done"
	}, 2*time.Second, 5*time.Millisecond, "recovery re-runs the call and the flow moves on")

	assert.Equal(t, 2, caller.count())
	assert.Equal(t, 0, r.automator.PendingRecoveries())

	cur, err := r.store.GetExecution(ctx, proc.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, true, cur.StepData["verified"])
}

func TestRecovery_QueuedFromSelfAdvanceFailure(t *testing.T) {
	pattern := schema.WorkflowPattern{
		ID: "auto-verified",
		Steps: []schema.WorkflowStep{
			{ID: "input", Type: schema.StepTypeManual},
			{ID: "enrich", Type: schema.StepTypeAutomated,
				OutputFields: []schema.OutputField{{Name: "source", Value: "enrichment"}}},
			{ID: "verify", Type: schema.StepTypeIntegration,
				Integration: &schema.IntegrationConfig{URL: "http://validator.local/check"}},
			{ID: "done", Type: schema.StepTypeManual},
		},
	}
	caller := &flakyCaller{failN: 1}
	r := newIntegrationRig(t, caller, pattern)
	ctx := context.Background()

	proc, err := r.automator.StartProcess(ctx, "auto-verified", "alice", "acme", nil)
	require.NoError(t, err)

	// The advance itself succeeds; the integration failure happens in the
	// automated step's self-advance, outside any caller. Only the broadcast
	// of the failure can reach the recovery queue.
	_, err = r.automator.AdvanceProcess(ctx, "acme", proc.ExecutionID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := r.store.GetExecution(ctx, proc.ExecutionID)
		return err == nil && cur.CurrentStep == "done"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, caller.count())
	assert.Equal(t, 0, r.automator.PendingRecoveries())
}

func TestRetryClassification(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad data")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeConfiguration, "bad pattern")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExternalService, "503")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStore, "locked")))
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(0, time.Minute, 3))
	assert.Equal(t, time.Second, ComputeBackoff(time.Second, time.Minute, 0))
	assert.Equal(t, 4*time.Second, ComputeBackoff(time.Second, time.Minute, 2))
	assert.Equal(t, 10*time.Second, ComputeBackoff(time.Second, 10*time.Second, 8), "capped at max delay")
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 1.0, clamp01(1.5))
	assert.Equal(t, 0.25, clamp01(0.25))
}
