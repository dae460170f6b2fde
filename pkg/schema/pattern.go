package schema

import "encoding/json"

// WorkflowPattern is the immutable, JSON-serializable workflow definition.
// Patterns are authored and validated elsewhere; the engine only reads them.
type WorkflowPattern struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Complexity  string         `json:"complexity,omitempty"` // simple | moderate | complex
	Steps       []WorkflowStep `json:"steps"`
	Triggers    []Trigger      `json:"triggers,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepByID returns the step with the given id, or nil if the pattern does not
// contain it.
func (p *WorkflowPattern) StepByID(id string) *WorkflowStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the positional index of the step, or -1 if absent.
func (p *WorkflowPattern) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// StepType enumerates the kinds of steps in a pattern.
type StepType string

const (
	StepTypeManual      StepType = "manual"
	StepTypeAutomated   StepType = "automated"
	StepTypeApproval    StepType = "approval"
	StepTypeIntegration StepType = "integration"
	StepTypeCondition   StepType = "condition"
)

// WorkflowStep describes a single node in a pattern.
type WorkflowStep struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Type            StepType            `json:"type,omitempty"` // default: manual
	Roles           []string            `json:"roles,omitempty"`
	RequiredFields  []string            `json:"required_fields,omitempty"`
	OutputFields    []OutputField       `json:"output_fields,omitempty"` // automated steps
	SLAHours        float64             `json:"sla_hours,omitempty"`
	EscalationRules []EscalationRule    `json:"escalation_rules,omitempty"`
	Conditions      []StepCondition     `json:"conditions,omitempty"`
	ValidationRules []ValidationRule    `json:"validation_rules,omitempty"`
	Notifications   []NotificationRule  `json:"notifications,omitempty"`
	Integration     *IntegrationConfig  `json:"integration,omitempty"` // integration steps
	Priority        string              `json:"priority,omitempty"`    // low | medium | high | critical
}

// OutputField declares a value an automated step synthesizes into context data.
// Transform, when set, is a jq program evaluated against the accumulated data;
// otherwise Value is used literally.
type OutputField struct {
	Name      string `json:"name"`
	Value     any    `json:"value,omitempty"`
	Transform string `json:"transform,omitempty"`
}

// Condition operators. Unknown operators evaluate to false (logged as a
// warning) so a single malformed rule cannot abort an otherwise-valid branch.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpIn          = "in"
)

// StepCondition routes an execution based on accumulated data. Conditions are
// evaluated in declaration order; the first match supplies NextStep. ElseStep,
// when set, is taken if no condition in the list matched.
// Expression, when set, is a CEL predicate over {data: map} and takes
// precedence over Field/Operator/Value.
type StepCondition struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	NextStep   string `json:"next_step,omitempty"`
	ElseStep   string `json:"else_step,omitempty"`
}

// EscalationRule describes who to notify when a step exceeds its SLA.
type EscalationRule struct {
	EscalateTo []string `json:"escalate_to"`
	Reason     string   `json:"reason,omitempty"`
	Channel    string   `json:"channel,omitempty"` // default: email
}

// ValidationRule kinds.
const (
	ValidationKindSchema     = "schema"
	ValidationKindExpression = "expression"
)

// ValidationRule declares an additional check on incoming step data beyond the
// required-field list. Schema rules validate the whole data map against a JSON
// Schema; expression rules must evaluate to true against the data map.
type ValidationRule struct {
	Kind       string          `json:"kind"`
	Field      string          `json:"field,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Notification phases.
const (
	NotifyPhaseStart    = "start"
	NotifyPhaseComplete = "complete"
	NotifyPhaseEscalate = "escalate"
)

// NotificationRule declares an outbound notification keyed by trigger phase.
// Subject and Body support ${{data.field}} interpolation over context data.
type NotificationRule struct {
	Phase      string   `json:"phase"`
	Channel    string   `json:"channel,omitempty"` // email | chat | webhook
	Recipients []string `json:"recipients,omitempty"`
	Roles      []string `json:"roles,omitempty"` // resolved via the directory
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
}

// IntegrationConfig points an integration step at an external validation
// service. The call result is merged into context data on success.
type IntegrationConfig struct {
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"`  // default: POST
	Timeout string `json:"timeout,omitempty"` // e.g. "30s"
}

// TriggerType enumerates how an execution of a pattern may be initiated.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// Trigger declares an initiation rule for a pattern. Schedule triggers carry a
// standard 5-field cron expression and are picked up by the scheduler.
type Trigger struct {
	Type     TriggerType    `json:"type"`
	Schedule string         `json:"schedule,omitempty"`
	Event    string         `json:"event,omitempty"`
	Data     map[string]any `json:"data,omitempty"` // initial data for triggered executions
}
