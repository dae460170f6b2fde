package validation

import (
	"context"
	"fmt"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// StepValidator checks incoming step data against a step's required-field
// list and declared validation rules. Required-field enforcement is always
// engine-side, regardless of what the AI advisor says.
type StepValidator struct {
	schemas *SchemaValidator
	expr    *expressions.ExprEngine
}

// NewStepValidator creates a StepValidator.
func NewStepValidator() *StepValidator {
	return &StepValidator{
		schemas: NewSchemaValidator(),
		expr:    expressions.NewExprEngine(),
	}
}

// ValidateStepData returns a VALIDATION_FAILED FlowError carrying the
// offending field(s) when the data violates the step's contract, nil
// otherwise. Rule configuration problems (bad schema, bad expression)
// surface as CONFIGURATION_ERROR.
func (v *StepValidator) ValidateStepData(ctx context.Context, step *schema.WorkflowStep, data map[string]any) error {
	var missing []string
	for _, field := range step.RequiredFields {
		val, ok := data[field]
		if !ok || val == nil || val == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"missing required fields: %v", missing).
			WithStep(step.ID).
			WithFields(missing)
	}

	for i := range step.ValidationRules {
		if err := v.applyRule(ctx, step, &step.ValidationRules[i], data); err != nil {
			return err
		}
	}
	return nil
}

func (v *StepValidator) applyRule(ctx context.Context, step *schema.WorkflowStep, rule *schema.ValidationRule, data map[string]any) error {
	switch rule.Kind {
	case schema.ValidationKindSchema:
		if err := v.schemas.ValidateData(data, rule.Schema); err != nil {
			if ferr, ok := err.(*schema.FlowError); ok && ferr.Code == schema.ErrCodeValidation {
				ferr.StepID = step.ID
				if rule.Field != "" {
					ferr = ferr.WithFields([]string{rule.Field})
				}
				if rule.Message != "" {
					ferr.Message = rule.Message
				}
				return ferr
			}
			return err
		}
		return nil

	case schema.ValidationKindExpression:
		ok, err := v.expr.EvaluateRule(ctx, rule.Expression, data)
		if err != nil {
			return err
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("validation rule %q failed", rule.Expression)
			}
			ferr := schema.NewError(schema.ErrCodeValidation, msg).WithStep(step.ID)
			if rule.Field != "" {
				ferr = ferr.WithFields([]string{rule.Field})
			}
			return ferr
		}
		return nil

	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown validation rule kind %q", rule.Kind).WithStep(step.ID)
	}
}

// ValidatePattern performs the structural checks the engine relies on before
// executing a pattern: at least one step, unique step ids, condition steps
// carrying conditions, and condition branch targets resolving to known steps.
func ValidatePattern(p *schema.WorkflowPattern) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "pattern is nil")
	}
	if len(p.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "pattern %q has no steps", p.ID)
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "pattern %q: step %d has no id", p.ID, i)
		}
		if _, dup := seen[step.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"pattern %q: duplicate step id %q", p.ID, step.ID)
		}
		seen[step.ID] = struct{}{}

		if step.Type == schema.StepTypeCondition && len(step.Conditions) == 0 {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"condition step %q declares no conditions", step.ID).WithStep(step.ID)
		}
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		for _, cond := range step.Conditions {
			if cond.NextStep != "" {
				if _, ok := seen[cond.NextStep]; !ok {
					return schema.NewErrorf(schema.ErrCodeConfiguration,
						"step %q condition targets unknown step %q", step.ID, cond.NextStep).WithStep(step.ID)
				}
			}
			if cond.ElseStep != "" {
				if _, ok := seen[cond.ElseStep]; !ok {
					return schema.NewErrorf(schema.ErrCodeConfiguration,
						"step %q else-branch targets unknown step %q", step.ID, cond.ElseStep).WithStep(step.ID)
				}
			}
		}
	}
	return nil
}
