package advisor

import (
	"context"

	"github.com/rendis/procflow/pkg/schema"
)

// Severity levels for validation issues. Only error-severity issues block a
// transition; warnings and info are recorded but non-blocking.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ValidationIssue is a single finding from an advisor validation pass.
type ValidationIssue struct {
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ValidationVerdict is the advisor's opinion on incoming step data.
type ValidationVerdict struct {
	Valid  bool              `json:"is_valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// BlockingIssues returns the error-severity issues.
func (v *ValidationVerdict) BlockingIssues() []ValidationIssue {
	var out []ValidationIssue
	for _, iss := range v.Issues {
		if iss.Severity == SeverityError {
			out = append(out, iss)
		}
	}
	return out
}

// RoutingSuggestion is the advisor's proposed next step with a confidence
// score. An empty NextStep means "no opinion".
type RoutingSuggestion struct {
	NextStep   string  `json:"next_step,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Advisor is the AI decision collaborator. The core must function correctly
// with the advisor entirely absent: callers treat any error (timeout, circuit
// open, transport failure) as "no opinion" and fall back to rule-based
// behavior. Advisor failures never fail a transition by themselves.
type Advisor interface {
	Validate(ctx context.Context, data map[string]any, step *schema.WorkflowStep) (*ValidationVerdict, error)
	Route(ctx context.Context, pattern *schema.WorkflowPattern, step *schema.WorkflowStep, data map[string]any) (*RoutingSuggestion, error)
}
