package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/procflow/internal/directory"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// enterStep makes the step current: persists the position, emits
// step_started, arms the SLA timer and dispatches the step's type-specific
// behavior. Caller holds the execution lock.
func (e *Engine) enterStep(ctx context.Context, ae *activeExecution, exec *store.Execution, step *schema.WorkflowStep) error {
	if step == nil {
		return schema.NewError(schema.ErrCodeStepNotFound, "enter nil step")
	}

	ctx = logging.WithStepID(ctx, step.ID)

	stepID := step.ID
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{CurrentStep: &stepID}); err != nil {
		return err
	}
	exec.CurrentStep = stepID

	e.appendStepEvent(ctx, exec, step.ID, schema.EventStepStarted, nil)
	e.publishProgress(ctx, exec, step.ID, schema.EventStepStarted, e.percent(ae.pattern, step.ID), "")
	e.armSLATimer(exec, step)
	e.sendNotifications(ctx, exec, step, schema.NotifyPhaseStart)

	switch step.Type {
	case schema.StepTypeAutomated:
		return e.runAutomated(ctx, ae, exec, step)
	case schema.StepTypeIntegration:
		return e.runIntegration(ctx, ae, exec, step)
	case schema.StepTypeCondition:
		return e.runCondition(ctx, ae, exec, step)
	case schema.StepTypeApproval:
		e.assignTask(ctx, exec, step)
		e.appendStepEvent(ctx, exec, step.ID, schema.EventApprovalRequested, nil)
		return nil
	default:
		// manual, or unspecified type
		e.assignTask(ctx, exec, step)
		return nil
	}
}

// assignTask resolves the step's roles to a concrete assignee and records the
// assignment in the event log. Directory failures leave the step unassigned;
// they never halt the execution.
func (e *Engine) assignTask(ctx context.Context, exec *store.Execution, step *schema.WorkflowStep) {
	assignee, role, err := directory.FirstAssignee(ctx, e.dir, exec.OrganizationID, step.Roles)
	if err != nil {
		e.logger.WarnContext(ctx, "assignee resolution failed", slog.String("error", err.Error()))
		return
	}
	if assignee == "" {
		return
	}

	now := time.Now().UTC()
	assignment := schema.TaskAssignment{
		StepID:     step.ID,
		Assignee:   assignee,
		Role:       role,
		AssignedAt: now,
		Priority:   step.Priority,
	}
	if step.SLAHours > 0 {
		assignment.DueAt = now.Add(e.slaDuration(step))
	}
	e.appendStepEvent(ctx, exec, step.ID, schema.EventTaskAssigned, map[string]any{
		"assignee": assignment.Assignee,
		"role":     assignment.Role,
		"due_at":   assignment.DueAt,
		"priority": assignment.Priority,
	})
}

// runAutomated synthesizes the step's declared outputs into the accumulated
// data and schedules the self-advance past the step.
func (e *Engine) runAutomated(ctx context.Context, ae *activeExecution, exec *store.Execution, step *schema.WorkflowStep) error {
	outputs := make(map[string]any, len(step.OutputFields))
	for i := range step.OutputFields {
		field := &step.OutputFields[i]
		if field.Transform == "" {
			outputs[field.Name] = field.Value
			continue
		}
		val, err := e.jq.Evaluate(ctx, field.Transform, exec.StepData)
		if err != nil {
			ferr, ok := err.(*schema.FlowError)
			if !ok {
				ferr = schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithCause(err)
			}
			ferr.StepID = step.ID
			e.appendStepEvent(ctx, exec, step.ID, schema.EventStepFailed, map[string]any{"error": ferr.Error()})
			e.failWorkflow(ctx, ae, exec, ferr)
			return ferr
		}
		outputs[field.Name] = val
	}

	exec.StepData = mergeData(exec.StepData, outputs)
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{StepData: exec.StepData}); err != nil {
		return err
	}

	e.scheduleSettle(ae, exec.ID)
	return nil
}

// runIntegration calls the configured external service and merges its result
// into the accumulated data. A retryable call failure leaves the execution
// in progress at this step so the recovery queue can re-run it through
// RetryStep; deterministic failures fail the execution immediately.
func (e *Engine) runIntegration(ctx context.Context, ae *activeExecution, exec *store.Execution, step *schema.WorkflowStep) error {
	if step.Integration == nil || e.integrations == nil {
		ferr := schema.NewErrorf(schema.ErrCodeConfiguration,
			"integration step %q has no integration configured", step.ID).WithStep(step.ID)
		e.failWorkflow(ctx, ae, exec, ferr)
		return ferr
	}

	result, err := e.integrations.Call(ctx, step.Integration, exec.StepData)
	if err != nil {
		ferr, ok := err.(*schema.FlowError)
		if !ok {
			ferr = schema.NewErrorf(schema.ErrCodeExternalService,
				"integration call failed: %s", err.Error()).WithCause(err)
		}
		ferr.StepID = step.ID
		e.appendStepEvent(ctx, exec, step.ID, schema.EventStepFailed, map[string]any{"error": ferr.Error()})
		if ferr.IsRetryable() {
			e.publishProgress(ctx, exec, step.ID, schema.EventStepFailed, e.percent(ae.pattern, step.ID), ferr.Error())
			return ferr
		}
		e.failWorkflow(ctx, ae, exec, ferr)
		return ferr
	}

	if len(result) > 0 {
		exec.StepData = mergeData(exec.StepData, result)
		if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{StepData: exec.StepData}); err != nil {
			return err
		}
	}

	e.scheduleSettle(ae, exec.ID)
	return nil
}

// runCondition evaluates the step's branches immediately and routes onward.
// Condition steps hold no work of their own; they start and complete within
// the same advance.
func (e *Engine) runCondition(ctx context.Context, ae *activeExecution, exec *store.Execution, step *schema.WorkflowStep) error {
	branch, err := e.evaluateConditions(ctx, step, exec.StepData, executionMeta(exec))
	if err != nil {
		if ferr, ok := err.(*schema.FlowError); ok {
			e.failWorkflow(ctx, ae, exec, ferr)
		}
		return err
	}

	e.timers.Clear(exec.ID, step.ID)
	e.appendStepEvent(ctx, exec, step.ID, schema.EventStepCompleted, nil)
	e.publishProgress(ctx, exec, step.ID, schema.EventStepCompleted, e.percent(ae.pattern, step.ID), "")

	next := branch
	if next == "" {
		next, err = e.routeFrom(ctx, ae, exec, step)
		if err != nil {
			return err
		}
	}
	if next == "" {
		return e.completeWorkflow(ctx, ae, exec)
	}
	return e.enterStep(ctx, ae, exec, ae.pattern.StepByID(next))
}

// scheduleSettle arms the self-advance timer for an automated or integration
// step. Caller holds the execution lock.
func (e *Engine) scheduleSettle(ae *activeExecution, executionID string) {
	ae.stopSettle()
	ae.settle = time.AfterFunc(e.cfg.SettleDelay, func() {
		e.selfAdvance(executionID)
	})
}

// selfAdvance advances past an automated or integration step once its settle
// delay elapses. The execution may have been paused, cancelled or completed
// in the meantime; those races surface as transition errors and are dropped.
func (e *Engine) selfAdvance(executionID string) {
	ctx := logging.WithExecutionID(context.Background(), executionID)
	if _, err := e.advance(ctx, executionID, nil, ""); err != nil {
		e.logger.DebugContext(ctx, "self-advance skipped", slog.String("error", err.Error()))
	}
}

// armSLATimer arms the escalation timer for a step with an SLA. Re-entering a
// step replaces the previous timer.
func (e *Engine) armSLATimer(exec *store.Execution, step *schema.WorkflowStep) {
	if step.SLAHours <= 0 {
		return
	}
	executionID, stepID := exec.ID, step.ID
	e.timers.Arm(executionID, stepID, e.slaDuration(step), func() {
		e.escalate(executionID, stepID)
	})
}

func (e *Engine) slaDuration(step *schema.WorkflowStep) time.Duration {
	return time.Duration(step.SLAHours * float64(e.cfg.SLAUnit))
}

// escalate fires when a step exceeds its SLA. It records the escalation in
// the event log and notifies the escalation targets. A timer that outlived
// its step (the execution moved on or ended) is a no-op.
func (e *Engine) escalate(executionID, stepID string) {
	ctx := logging.WithIDs(context.Background(), executionID, stepID, "")

	ae, exec, err := e.lockActive(ctx, executionID)
	if err != nil {
		return
	}
	defer ae.mu.Unlock()

	if exec.Status != schema.StatusInProgress || exec.CurrentStep != stepID {
		e.timers.Clear(executionID, stepID)
		return
	}
	step := ae.pattern.StepByID(stepID)
	if step == nil {
		return
	}

	ctx = logging.WithOrgID(ctx, exec.OrganizationID)
	e.timers.Clear(executionID, stepID)

	rules := step.EscalationRules
	if len(rules) == 0 {
		rules = []schema.EscalationRule{{EscalateTo: step.Roles, Reason: "sla_exceeded"}}
	}

	for i := range rules {
		rule := &rules[i]
		recipients := e.resolveRecipients(ctx, exec.OrganizationID, rule.EscalateTo)
		reason := rule.Reason
		if reason == "" {
			reason = "sla_exceeded"
		}

		e.appendStepEvent(ctx, exec, stepID, schema.EventEscalationTriggered, map[string]any{
			"reason":       reason,
			"escalated_to": recipients,
			"sla_hours":    step.SLAHours,
		})

		channel := rule.Channel
		if channel == "" {
			channel = "email"
		}
		req := notify.Request{
			Channel:    channel,
			Recipients: recipients,
			Subject:    "SLA exceeded: " + step.Name,
			Body:       "Step " + step.Name + " exceeded its SLA (" + reason + ")",
			Priority:   "high",
			Metadata:   map[string]any{"execution_id": exec.ID, "step_id": stepID},
		}
		if err := e.sink.Send(ctx, req); err != nil {
			e.logger.WarnContext(ctx, "escalation notification", slog.String("error", err.Error()))
		}
	}

	e.sendNotifications(ctx, exec, step, schema.NotifyPhaseEscalate)
	e.publishProgress(ctx, exec, stepID, schema.EventEscalationTriggered, e.percent(ae.pattern, stepID), "")
	e.logger.WarnContext(ctx, "escalation triggered", slog.Float64("sla_hours", step.SLAHours))
}

// resolveRecipients expands directory roles into user IDs, passing through
// entries the directory does not recognize as addressable names.
func (e *Engine) resolveRecipients(ctx context.Context, orgID string, targets []string) []string {
	var out []string
	for _, t := range targets {
		users, err := e.dir.ResolveRole(ctx, orgID, t)
		if err != nil || len(users) == 0 {
			out = append(out, t)
			continue
		}
		out = append(out, users...)
	}
	return out
}

// sendNotifications dispatches the step's notification rules for a phase.
// Templates resolve ${{data.*}} and ${{execution.*}} references; a template
// error falls back to the raw text rather than dropping the notification.
func (e *Engine) sendNotifications(ctx context.Context, exec *store.Execution, step *schema.WorkflowStep, phase string) {
	scope := &expressions.InterpolationScope{
		Data:      exec.StepData,
		Execution: executionMeta(exec),
	}

	for i := range step.Notifications {
		rule := &step.Notifications[i]
		if rule.Phase != phase {
			continue
		}

		recipients := append([]string{}, rule.Recipients...)
		recipients = append(recipients, e.resolveRecipients(ctx, exec.OrganizationID, rule.Roles)...)
		if len(recipients) == 0 {
			continue
		}

		subject := e.render(ctx, rule.Subject, scope)
		body := e.render(ctx, rule.Body, scope)

		channel := rule.Channel
		if channel == "" {
			channel = "email"
		}
		req := notify.Request{
			Channel:    channel,
			Recipients: recipients,
			Subject:    subject,
			Body:       body,
			Priority:   step.Priority,
			Metadata:   map[string]any{"execution_id": exec.ID, "step_id": step.ID, "phase": phase},
		}
		if err := e.sink.Send(ctx, req); err != nil {
			e.logger.WarnContext(ctx, "notification send", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) render(ctx context.Context, template string, scope *expressions.InterpolationScope) string {
	if template == "" {
		return ""
	}
	out, err := e.interp.Resolve(template, scope)
	if err != nil {
		e.logger.WarnContext(ctx, "template resolution failed", slog.String("error", err.Error()))
		return template
	}
	return out
}
