package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func TestCELEngine_EvaluatePredicate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ctx := context.Background()
	data := map[string]any{"amount": 1500.0, "category": "travel"}

	ok, err := e.EvaluatePredicate(ctx, `data.amount > 1000.0 && data.category == "travel"`, data, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluatePredicate(ctx, `data.amount > 2000.0`, data, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELEngine_ExecutionMetadata(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluatePredicate(context.Background(), `execution.org == "org-a"`,
		nil, map[string]any{"org": "org-a"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELEngine_NonBooleanIsConfigurationError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluatePredicate(context.Background(), `data.amount`, map[string]any{"amount": 5.0}, nil)
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConfiguration, ferr.Code)
}

func TestCELEngine_CompileErrorIsCached(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `data.amount >`, nil)
	require.Error(t, err)
}

func TestExprEngine_EvaluateRule(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	ok, err := e.EvaluateRule(ctx, `amount > 0 && len(items) >= 1`, map[string]any{
		"amount": 10,
		"items":  []any{"a"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateRule(ctx, `amount > 100`, map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	ok, err := e.EvaluateRule(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGoJQEngine_Transform(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.amount * 2`, map[string]any{"amount": 21})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_ParseErrorIsConfigurationError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.amount |`, nil)
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConfiguration, ferr.Code)
}

func TestInterpolator_Resolve(t *testing.T) {
	interp := NewInterpolator()
	scope := &InterpolationScope{
		Data:      map[string]any{"invoice": map[string]any{"amount": 1500.0}, "requester": "alice"},
		Execution: map[string]any{"id": "exec-1", "step": "review"},
	}

	out, err := interp.Resolve("Invoice from ${{data.requester}} for ${{data.invoice.amount}} (step ${{execution.step}})", scope)
	require.NoError(t, err)
	assert.Equal(t, "Invoice from alice for 1500 (step review)", out)
}

func TestInterpolator_NoTokensPassThrough(t *testing.T) {
	interp := NewInterpolator()

	out, err := interp.Resolve("plain subject", &InterpolationScope{})
	require.NoError(t, err)
	assert.Equal(t, "plain subject", out)
}

func TestInterpolator_Errors(t *testing.T) {
	interp := NewInterpolator()
	scope := &InterpolationScope{Data: map[string]any{"a": 1}}

	cases := []struct {
		name     string
		template string
	}{
		{"unclosed", "hello ${{data.a"},
		{"empty", "hello ${{  }}"},
		{"unknown namespace", "hello ${{secrets.key}}"},
		{"missing field", "hello ${{data.missing}}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := interp.Resolve(tc.template, scope)
			require.Error(t, err)
		})
	}
}
