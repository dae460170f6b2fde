package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

// stubAdvisor returns canned responses or a fixed error.
type stubAdvisor struct {
	verdict    *ValidationVerdict
	suggestion *RoutingSuggestion
	err        error
	calls      int
}

func (s *stubAdvisor) Validate(context.Context, map[string]any, *schema.WorkflowStep) (*ValidationVerdict, error) {
	s.calls++
	return s.verdict, s.err
}

func (s *stubAdvisor) Route(context.Context, *schema.WorkflowPattern, *schema.WorkflowStep, map[string]any) (*RoutingSuggestion, error) {
	s.calls++
	return s.suggestion, s.err
}

func TestGuard_PassThroughOnSuccess(t *testing.T) {
	stub := &stubAdvisor{verdict: &ValidationVerdict{Valid: true}}
	g := NewGuard(stub, DefaultGuardConfig())

	verdict, err := g.Validate(context.Background(), map[string]any{"amount": 10}, &schema.WorkflowStep{ID: "s1"})
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.Equal(t, CircuitClosed, g.State())
}

func TestGuard_OpensAfterThreshold(t *testing.T) {
	stub := &stubAdvisor{err: errors.New("upstream down")}
	g := NewGuard(stub, GuardConfig{
		CallTimeout:      time.Second,
		FailureThreshold: 3,
		Cooldown:         time.Hour,
		HalfOpenMax:      1,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Route(ctx, nil, nil, nil)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, g.State())

	// Next call is rejected without touching the inner advisor.
	before := stub.calls
	_, err := g.Route(ctx, nil, nil, nil)
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeAdvisorUnavailable, ferr.Code)
	assert.Equal(t, before, stub.calls)
}

func TestGuard_HalfOpenRecovers(t *testing.T) {
	stub := &stubAdvisor{err: errors.New("down")}
	g := NewGuard(stub, GuardConfig{
		CallTimeout:      time.Second,
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		HalfOpenMax:      1,
	})

	ctx := context.Background()
	_, err := g.Validate(ctx, nil, nil)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, g.State())

	time.Sleep(15 * time.Millisecond)

	// Cooldown elapsed: one test request goes through and succeeds.
	stub.err = nil
	stub.verdict = &ValidationVerdict{Valid: true}
	_, err = g.Validate(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, g.State())
}

func TestBlockingIssues_FiltersBySeverity(t *testing.T) {
	v := &ValidationVerdict{Issues: []ValidationIssue{
		{Field: "amount", Severity: SeverityError, Message: "negative"},
		{Field: "note", Severity: SeverityWarning, Message: "empty"},
		{Field: "tag", Severity: SeverityInfo, Message: "unused"},
	}}

	blocking := v.BlockingIssues()
	require.Len(t, blocking, 1)
	assert.Equal(t, "amount", blocking[0].Field)
}
