package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cast"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Escalation reasons produced by the rule-based check.
const (
	ReasonSLAExceeded     = "sla_exceeded"
	ReasonAmountThreshold = "amount_above_threshold"
	ReasonCriticalStep    = "critical_priority"
)

// checkEscalation applies the rule-based escalation check after an advance.
// The engine's SLA timers cover in-step deadlines; this check covers
// process-level conditions the timers cannot see: total elapsed time beyond
// the step's SLA, a monetary amount above the configured threshold, and
// critical-priority steps. At most one escalation is recorded per step and
// reason.
func (a *Automator) checkEscalation(ctx context.Context, proc *procState, exec *store.Execution, step *schema.WorkflowStep) {
	if step == nil {
		return
	}

	reason := ""
	switch {
	case step.SLAHours > 0 && time.Since(proc.record.StartedAt) > a.slaDuration(step):
		reason = ReasonSLAExceeded
	case a.cfg.AmountThreshold > 0 && amountOf(exec.StepData) > a.cfg.AmountThreshold:
		reason = ReasonAmountThreshold
	case step.Priority == "critical":
		reason = ReasonCriticalStep
	}
	if reason == "" {
		return
	}
	if proc.escalated(step.ID, reason) {
		return
	}

	targets := escalationTargets(step)
	record := schema.EscalationRecord{
		StepID:      step.ID,
		Reason:      reason,
		EscalatedTo: targets,
		EscalatedAt: time.Now().UTC(),
	}
	proc.addEscalation(record)

	a.appendEvent(ctx, exec.ID, step.ID, schema.EventEscalationTriggered, map[string]any{
		"reason":       reason,
		"escalated_to": targets,
	})

	req := notify.Request{
		Channel:    "email",
		Recipients: targets,
		Subject:    "Escalation: " + step.Name,
		Body:       "Step " + step.Name + " escalated (" + reason + ")",
		Priority:   "high",
		Metadata:   map[string]any{"execution_id": exec.ID, "step_id": step.ID, "reason": reason},
	}
	if err := a.sink.Send(ctx, req); err != nil {
		a.logger.WarnContext(ctx, "escalation notification", slog.String("error", err.Error()))
	}

	a.logger.WarnContext(ctx, "process escalated",
		slog.String("reason", reason),
		slog.String("step_id", step.ID))
}

// escalationTargets picks who to escalate to: the step's declared rules, or
// its own roles when no rule is declared.
func escalationTargets(step *schema.WorkflowStep) []string {
	var out []string
	for i := range step.EscalationRules {
		out = append(out, step.EscalationRules[i].EscalateTo...)
	}
	if len(out) == 0 {
		out = append(out, step.Roles...)
	}
	return out
}

// amountOf extracts a numeric "amount" field from accumulated data, 0 when
// absent or non-numeric.
func amountOf(data map[string]any) float64 {
	v, ok := data["amount"]
	if !ok {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0
	}
	return f
}

func (a *Automator) slaDuration(step *schema.WorkflowStep) time.Duration {
	return time.Duration(step.SLAHours * float64(a.cfg.SLAUnit))
}
