package automation

import (
	"context"

	"github.com/rendis/procflow/pkg/schema"
)

// automatedStepTypes are the step kinds that run without a human in the loop.
var automatedStepTypes = map[schema.StepType]bool{
	schema.StepTypeAutomated:   true,
	schema.StepTypeIntegration: true,
	schema.StepTypeCondition:   true,
}

// finalizeMetrics derives the process metrics from the event log and the
// pattern once the execution reaches a terminal status. Rates are clamped to
// [0,1]: escalations can outnumber automated steps, and a negative
// efficiency must never reach a dashboard.
func (a *Automator) finalizeMetrics(ctx context.Context, proc *procState) {
	p := &proc.record

	events, err := a.store.GetEvents(ctx, p.ExecutionID, 0)
	if err != nil {
		a.logger.WarnContext(ctx, "metrics: read event log failed")
		return
	}

	rec, err := a.store.GetPattern(ctx, p.PatternID)
	var stepType func(string) schema.StepType
	if err == nil {
		stepType = func(id string) schema.StepType {
			if s := rec.Pattern.StepByID(id); s != nil {
				return s.Type
			}
			return schema.StepTypeManual
		}
	} else {
		stepType = func(string) schema.StepType { return schema.StepTypeManual }
	}

	m := schema.ProcessMetrics{
		StepDurationsMs: make(map[string]int64),
		AIDecisionsUsed: p.AIDecisionsUsed,
	}

	started := make(map[string]int64) // stepID -> started-at unix ms
	escalations := 0
	for _, e := range events {
		switch e.Type {
		case schema.EventStepStarted:
			started[e.StepID] = e.Timestamp.UnixMilli()
		case schema.EventStepCompleted:
			m.TotalSteps++
			if automatedStepTypes[stepType(e.StepID)] {
				m.AutomatedSteps++
			}
			if at, ok := started[e.StepID]; ok {
				m.StepDurationsMs[e.StepID] = e.Timestamp.UnixMilli() - at
			}
		case schema.EventEscalationTriggered:
			escalations++
		}
	}

	if p.EndedAt != nil {
		m.CompletionTimeMs = p.EndedAt.Sub(p.StartedAt).Milliseconds()
	}

	if m.TotalSteps > 0 {
		m.EscalationRate = clamp01(float64(escalations) / float64(m.TotalSteps))
		m.AutomationEfficiency = clamp01(float64(m.AutomatedSteps-escalations) / float64(m.TotalSteps))
	}

	if proc.advances > 0 {
		m.ValidationSuccessRate = clamp01(float64(proc.advances-proc.validationFailures) / float64(proc.advances))
	} else {
		m.ValidationSuccessRate = 1
	}

	if proc.aiProposals > 0 {
		m.AIDecisionAccuracy = clamp01(float64(p.AIDecisionsUsed) / float64(proc.aiProposals))
	}

	p.Metrics = m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
