package schema

import "time"

// TaskAssignment is computed each time a manual or approval step becomes
// current. It is not persisted beyond the notification it triggers; assignment
// bookkeeping belongs to the user directory's side of the boundary.
type TaskAssignment struct {
	StepID     string    `json:"step_id"`
	Assignee   string    `json:"assignee"`
	Role       string    `json:"role"`
	AssignedAt time.Time `json:"assigned_at"`
	DueAt      time.Time `json:"due_at,omitempty"` // assigned_at + SLA
	Priority   string    `json:"priority,omitempty"`
}

// EscalationRecord is appended to a ProcessExecution when an SLA timer fires
// or the automation layer decides to escalate. Records are never removed, only
// marked resolved.
type EscalationRecord struct {
	StepID      string     `json:"step_id"`
	Reason      string     `json:"reason"`
	EscalatedTo []string   `json:"escalated_to"`
	EscalatedAt time.Time  `json:"escalated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolution  string     `json:"resolution,omitempty"`
}

// ProcessMetrics is derived on process finalization.
// AutomationEfficiency and EscalationRate are clamped to [0,1]; escalations
// can outnumber automated steps, and a negative "efficiency" must never reach
// a dashboard.
type ProcessMetrics struct {
	StepDurationsMs       map[string]int64 `json:"step_durations_ms,omitempty"`
	TotalSteps            int              `json:"total_steps"`
	AutomatedSteps        int              `json:"automated_steps"`
	AIDecisionsUsed       int              `json:"ai_decisions_used"`
	AIDecisionAccuracy    float64          `json:"ai_decision_accuracy"`
	ValidationSuccessRate float64          `json:"validation_success_rate"`
	EscalationRate        float64          `json:"escalation_rate"`
	AutomationEfficiency  float64          `json:"automation_efficiency"`
	CompletionTimeMs      int64            `json:"completion_time_ms,omitempty"`
}

// ProcessExecution is the automation layer's extended tracking record: a
// superset of the persisted execution. Every read or aggregation over these
// records MUST filter by OrganizationID; cross-tenant leakage is a security
// defect, not a performance concern.
type ProcessExecution struct {
	ExecutionID      string             `json:"execution_id"`
	PatternID        string             `json:"pattern_id"`
	UserID           string             `json:"user_id"`
	OrganizationID   string             `json:"organization_id"`
	Status           ExecutionStatus    `json:"status"`
	CurrentStep      string             `json:"current_step,omitempty"`
	AIDecisionsUsed  int                `json:"ai_decisions_used"`
	ValidationErrors []string           `json:"validation_errors,omitempty"`
	Escalations      []EscalationRecord `json:"escalations,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	Metrics          ProcessMetrics     `json:"metrics"`
}

// UnresolvedEscalations counts escalation records without a resolution.
func (p *ProcessExecution) UnresolvedEscalations() int {
	n := 0
	for i := range p.Escalations {
		if p.Escalations[i].ResolvedAt == nil {
			n++
		}
	}
	return n
}
