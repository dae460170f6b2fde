package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/pkg/schema"
)

func newTestMonitor(t *testing.T) (*Monitor, *notify.MemorySink) {
	t.Helper()
	sink := notify.NewMemorySink()
	m := New(sink, nil)
	return m, sink
}

func proc(org, id string, status schema.ExecutionStatus) *schema.ProcessExecution {
	return &schema.ProcessExecution{
		ExecutionID:    id,
		PatternID:      "expense-approval",
		UserID:         "alice",
		OrganizationID: org,
		Status:         status,
		StartedAt:      time.Now().Add(-time.Minute),
	}
}

func finished(org, id string, completionMs int64, efficiency float64) *schema.ProcessExecution {
	p := proc(org, id, schema.StatusCompleted)
	now := time.Now().UTC()
	p.EndedAt = &now
	p.Metrics = schema.ProcessMetrics{
		TotalSteps:           4,
		AutomatedSteps:       2,
		AutomationEfficiency: efficiency,
		CompletionTimeMs:     completionMs,
	}
	return p
}

func TestAnalytics_TenantIsolation(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.Record(finished("acme", "a-1", 1000, 0.8))
	m.Record(proc("acme", "a-2", schema.StatusInProgress))
	m.Record(finished("globex", "g-1", 9000, 0.9))
	m.Record(proc("globex", "g-2", schema.StatusFailed))

	acme := m.Analytics("acme")
	assert.Equal(t, 2, acme.TotalProcesses)
	assert.Equal(t, 1, acme.StatusCounts[schema.StatusCompleted])
	assert.Equal(t, 1, acme.StatusCounts[schema.StatusInProgress])
	assert.Zero(t, acme.StatusCounts[schema.StatusFailed], "globex failure must not leak into acme")
	assert.Equal(t, int64(1000), acme.AvgCompletionTimeMs)

	dash := m.Dashboard("acme")
	for _, p := range dash.ActiveProcesses {
		assert.Equal(t, "acme", p.OrganizationID)
	}
	for _, a := range m.Alerts("acme") {
		assert.Equal(t, "acme", a.OrganizationID)
	}
}

func TestAnalytics_TopErrorsAndBottlenecks(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 7; i++ {
		p := finished("acme", fmt.Sprintf("p-%d", i), 1000, 0.8)
		p.ValidationErrors = []string{"amount is required"}
		if i < 3 {
			p.ValidationErrors = append(p.ValidationErrors, "vendor unknown")
		}
		p.ValidationErrors = append(p.ValidationErrors, fmt.Sprintf("rare error %d", i))
		p.Metrics.StepDurationsMs = map[string]int64{
			"review": int64(1000 * (i + 1)),
			"submit": 50,
		}
		m.Record(p)
	}

	a := m.Analytics("acme")
	require.Len(t, a.TopValidationErrors, 5)
	assert.Equal(t, CountedMessage{Message: "amount is required", Count: 7}, a.TopValidationErrors[0])
	assert.Equal(t, CountedMessage{Message: "vendor unknown", Count: 3}, a.TopValidationErrors[1])

	require.NotEmpty(t, a.BottleneckSteps)
	assert.Equal(t, "review", a.BottleneckSteps[0].StepID, "slowest step ranks first")
	assert.Equal(t, int64(4000), a.BottleneckSteps[0].AvgDurationMs)
	assert.Equal(t, 7, a.BottleneckSteps[0].Samples)
}

func TestAlert_SLABreach(t *testing.T) {
	m, sink := newTestMonitor(t)

	stale := proc("acme", "old-1", schema.StatusInProgress)
	stale.StartedAt = time.Now().Add(-25 * time.Hour)
	m.Record(stale)
	m.Record(stale) // same state again must not duplicate the alert

	alerts := m.Alerts("acme")
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSLABreach, alerts[0].Type)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "old-1", alerts[0].ExecutionID)

	sent := sink.Sent()
	require.Len(t, sent, 1, "high severity notifies the sink")
	assert.Equal(t, SeverityHigh, sent[0].Priority)
}

func TestAlert_FailureSpike(t *testing.T) {
	m, sink := newTestMonitor(t)

	for i := 0; i < 6; i++ {
		m.Record(proc("acme", fmt.Sprintf("f-%d", i), schema.StatusFailed))
	}

	var spikes []Alert
	for _, a := range m.Alerts("acme") {
		if a.Type == AlertFailureSpike {
			spikes = append(spikes, a)
		}
	}
	require.Len(t, spikes, 1, "spike alert fires once per window")
	assert.Equal(t, SeverityCritical, spikes[0].Severity)

	require.NotEmpty(t, sink.Sent())
}

func TestAlert_PerformanceDegraded(t *testing.T) {
	m, sink := newTestMonitor(t)

	m.Record(finished("acme", "slow-1", 5000, 0.2))

	alerts := m.Alerts("acme")
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPerformanceDegraded, alerts[0].Type)
	assert.Equal(t, SeverityMedium, alerts[0].Severity)
	assert.Empty(t, sink.Sent(), "medium severity stays internal")
}

func TestAlert_UnresolvedEscalation(t *testing.T) {
	m, _ := newTestMonitor(t)

	p := proc("acme", "esc-1", schema.StatusInProgress)
	p.Escalations = []schema.EscalationRecord{{StepID: "review", Reason: "sla_exceeded"}}
	m.Record(p)

	resolvedAt := time.Now().UTC()
	q := proc("acme", "esc-2", schema.StatusInProgress)
	q.Escalations = []schema.EscalationRecord{{StepID: "review", ResolvedAt: &resolvedAt}}
	m.Record(q)

	alerts := m.Alerts("acme")
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnresolvedEscalation, alerts[0].Type)
	assert.Equal(t, "esc-1", alerts[0].ExecutionID)
}

func TestAlertRing_KeepsMostRecentHundred(t *testing.T) {
	r := newAlertRing(alertRingCapacity)
	for i := 0; i < 150; i++ {
		r.add(Alert{ID: fmt.Sprintf("a-%d", i)})
	}

	got := r.list()
	require.Len(t, got, alertRingCapacity)
	assert.Equal(t, "a-50", got[0].ID, "oldest retained entry")
	assert.Equal(t, "a-149", got[len(got)-1].ID)
}

func TestDashboard_CapsActiveProcessesAndTrends(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 15; i++ {
		p := proc("acme", fmt.Sprintf("act-%d", i), schema.StatusInProgress)
		p.StartedAt = time.Now().Add(-time.Duration(i) * time.Minute)
		m.Record(p)
	}
	m.Record(finished("acme", "done-1", 2000, 0.9))
	failed := proc("acme", "bad-1", schema.StatusFailed)
	endedAt := time.Now().UTC()
	failed.EndedAt = &endedAt
	failed.Metrics.TotalSteps = 2
	m.Record(failed)

	dash := m.Dashboard("acme")
	require.Len(t, dash.ActiveProcesses, maxActiveProcesses)
	assert.Equal(t, "act-0", dash.ActiveProcesses[0].ExecutionID, "most recently started first")
	assert.Equal(t, 1, dash.Trends.CompletedLast24h)
	assert.Equal(t, 1, dash.Trends.FailedLast24h)
	assert.NotZero(t, dash.GeneratedAt)
}
