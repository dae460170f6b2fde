package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/procflow/pkg/schema"
)

// evaluateConditions walks the step's conditions in declaration order and
// returns the id of the first matching branch. When no condition matches, the
// last declared else-branch is returned. An empty result means positional
// routing applies.
func (e *Engine) evaluateConditions(ctx context.Context, step *schema.WorkflowStep, data, execMeta map[string]any) (string, error) {
	elseStep := ""
	for i := range step.Conditions {
		cond := &step.Conditions[i]
		if cond.ElseStep != "" {
			elseStep = cond.ElseStep
		}

		matched, err := e.evaluateCondition(ctx, cond, data, execMeta)
		if err != nil {
			return "", err
		}
		if matched {
			return cond.NextStep, nil
		}
	}
	return elseStep, nil
}

// evaluateCondition evaluates a single condition. CEL expressions take
// precedence over the field/operator/value triple.
func (e *Engine) evaluateCondition(ctx context.Context, cond *schema.StepCondition, data, execMeta map[string]any) (bool, error) {
	if cond.Expression != "" {
		return e.cel.EvaluatePredicate(ctx, cond.Expression, data, execMeta)
	}
	return e.evaluateOperator(ctx, cond, data), nil
}

// evaluateOperator applies a comparison operator to a field of the accumulated
// data. Unknown operators and uncomparable values evaluate to false with a
// warning, so one malformed rule cannot abort an otherwise-valid branch.
func (e *Engine) evaluateOperator(ctx context.Context, cond *schema.StepCondition, data map[string]any) bool {
	actual, ok := data[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case schema.OpEquals:
		return looseEqual(actual, cond.Value)

	case schema.OpNotEquals:
		return !looseEqual(actual, cond.Value)

	case schema.OpGreaterThan:
		a, errA := cast.ToFloat64E(actual)
		b, errB := cast.ToFloat64E(cond.Value)
		if errA != nil || errB != nil {
			e.logger.WarnContext(ctx, "non-numeric operands for greater_than",
				slog.String("field", cond.Field))
			return false
		}
		return a > b

	case schema.OpLessThan:
		a, errA := cast.ToFloat64E(actual)
		b, errB := cast.ToFloat64E(cond.Value)
		if errA != nil || errB != nil {
			e.logger.WarnContext(ctx, "non-numeric operands for less_than",
				slog.String("field", cond.Field))
			return false
		}
		return a < b

	case schema.OpContains:
		haystack, errH := cast.ToStringE(actual)
		needle, errN := cast.ToStringE(cond.Value)
		if errH != nil || errN != nil {
			return false
		}
		return strings.Contains(haystack, needle)

	case schema.OpIn:
		items, err := cast.ToSliceE(cond.Value)
		if err != nil {
			e.logger.WarnContext(ctx, "in operator requires a list value",
				slog.String("field", cond.Field))
			return false
		}
		for _, item := range items {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false

	default:
		e.logger.WarnContext(ctx, "unknown condition operator",
			slog.String("operator", cond.Operator),
			slog.String("field", cond.Field))
		return false
	}
}

// looseEqual compares two values across JSON-decoded representations: numbers
// compare numerically regardless of concrete type, everything else compares
// by string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	fa, errA := cast.ToFloat64E(a)
	fb, errB := cast.ToFloat64E(b)
	if errA == nil && errB == nil {
		return fa == fb
	}
	sa, errA := cast.ToStringE(a)
	sb, errB := cast.ToStringE(b)
	if errA != nil || errB != nil {
		return false
	}
	return sa == sb
}
