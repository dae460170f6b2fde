package validation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func TestValidateStepData_RequiredFields(t *testing.T) {
	v := NewStepValidator()
	step := &schema.WorkflowStep{ID: "review", RequiredFields: []string{"approval", "comment"}}

	err := v.ValidateStepData(context.Background(), step, map[string]any{"approval": true})
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
	assert.Equal(t, "review", ferr.StepID)
	assert.Equal(t, []string{"comment"}, ferr.Details["fields"])
}

func TestValidateStepData_EmptyStringCountsAsMissing(t *testing.T) {
	v := NewStepValidator()
	step := &schema.WorkflowStep{ID: "s1", RequiredFields: []string{"approval"}}

	err := v.ValidateStepData(context.Background(), step, map[string]any{"approval": ""})
	require.Error(t, err)
}

func TestValidateStepData_AllPresent(t *testing.T) {
	v := NewStepValidator()
	step := &schema.WorkflowStep{ID: "s1", RequiredFields: []string{"approval"}}

	err := v.ValidateStepData(context.Background(), step, map[string]any{"approval": false})
	assert.NoError(t, err)
}

func TestValidateStepData_SchemaRule(t *testing.T) {
	v := NewStepValidator()
	step := &schema.WorkflowStep{
		ID: "submit",
		ValidationRules: []schema.ValidationRule{{
			Kind: schema.ValidationKindSchema,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"amount": {"type": "number", "minimum": 0}},
				"required": ["amount"]
			}`),
			Field:   "amount",
			Message: "amount must be a non-negative number",
		}},
	}

	ctx := context.Background()
	require.NoError(t, v.ValidateStepData(ctx, step, map[string]any{"amount": 10}))

	err := v.ValidateStepData(ctx, step, map[string]any{"amount": -5})
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
	assert.Equal(t, "amount must be a non-negative number", ferr.Message)
}

func TestValidateStepData_ExpressionRule(t *testing.T) {
	v := NewStepValidator()
	step := &schema.WorkflowStep{
		ID: "submit",
		ValidationRules: []schema.ValidationRule{{
			Kind:       schema.ValidationKindExpression,
			Expression: `amount <= limit`,
			Message:    "amount exceeds limit",
		}},
	}

	ctx := context.Background()
	require.NoError(t, v.ValidateStepData(ctx, step, map[string]any{"amount": 5, "limit": 10}))

	err := v.ValidateStepData(ctx, step, map[string]any{"amount": 50, "limit": 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount exceeds limit")
}

func TestValidateStepData_UnknownRuleKind(t *testing.T) {
	v := NewStepValidator()
	step := &schema.WorkflowStep{
		ID:              "s1",
		ValidationRules: []schema.ValidationRule{{Kind: "regex"}},
	}

	err := v.ValidateStepData(context.Background(), step, nil)
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConfiguration, ferr.Code)
}

func TestValidatePattern(t *testing.T) {
	valid := &schema.WorkflowPattern{
		ID: "p1",
		Steps: []schema.WorkflowStep{
			{ID: "a", Conditions: []schema.StepCondition{{Field: "x", Operator: schema.OpEquals, Value: 1, NextStep: "b"}}},
			{ID: "b"},
		},
	}
	assert.NoError(t, ValidatePattern(valid))

	cases := []struct {
		name    string
		pattern *schema.WorkflowPattern
	}{
		{"nil pattern", nil},
		{"no steps", &schema.WorkflowPattern{ID: "p"}},
		{"duplicate ids", &schema.WorkflowPattern{ID: "p", Steps: []schema.WorkflowStep{{ID: "a"}, {ID: "a"}}}},
		{"condition step without conditions", &schema.WorkflowPattern{ID: "p", Steps: []schema.WorkflowStep{{ID: "a", Type: schema.StepTypeCondition}}}},
		{"unknown branch target", &schema.WorkflowPattern{ID: "p", Steps: []schema.WorkflowStep{
			{ID: "a", Conditions: []schema.StepCondition{{Field: "x", Operator: schema.OpEquals, Value: 1, NextStep: "ghost"}}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePattern(tc.pattern)
			require.Error(t, err)

			var ferr *schema.FlowError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, schema.ErrCodeConfiguration, ferr.Code)
		})
	}
}
