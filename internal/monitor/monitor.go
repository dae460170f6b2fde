// Package monitor maintains rolling analytics, rule-based alerts and
// dashboard snapshots over process tracking records, partitioned per tenant.
// Every query takes an organization id and filters every internal collection
// by it before aggregating; this is the most safety-critical contract in the
// package.
package monitor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/pkg/schema"
)

// Analytics is the per-tenant aggregate view.
type Analytics struct {
	OrganizationID      string                         `json:"organization_id"`
	TotalProcesses      int                            `json:"total_processes"`
	StatusCounts        map[schema.ExecutionStatus]int `json:"status_counts"`
	AvgCompletionTimeMs int64                          `json:"avg_completion_time_ms"`
	AvgEfficiency       float64                        `json:"avg_efficiency"`
	EscalationRate      float64                        `json:"escalation_rate"`
	TopValidationErrors []CountedMessage               `json:"top_validation_errors,omitempty"`
	BottleneckSteps     []StepTiming                   `json:"bottleneck_steps,omitempty"`
}

// CountedMessage is a validation-error message with its occurrence count.
type CountedMessage struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// StepTiming is a step's average observed duration across finalized processes.
type StepTiming struct {
	StepID        string `json:"step_id"`
	AvgDurationMs int64  `json:"avg_duration_ms"`
	Samples       int    `json:"samples"`
}

// Trends is the synthetic performance data attached to a dashboard snapshot,
// derived from the last 24 hours of finalized processes.
type Trends struct {
	CompletedLast24h   int     `json:"completed_last_24h"`
	FailedLast24h      int     `json:"failed_last_24h"`
	EscalationsLast24h int     `json:"escalations_last_24h"`
	EfficiencyLast24h  float64 `json:"efficiency_last_24h"`
}

// Dashboard is the tenant-scoped snapshot served to operators.
type Dashboard struct {
	OrganizationID  string                     `json:"organization_id"`
	GeneratedAt     time.Time                  `json:"generated_at"`
	Analytics       Analytics                  `json:"analytics"`
	RecentAlerts    []Alert                    `json:"recent_alerts,omitempty"`
	ActiveProcesses []*schema.ProcessExecution `json:"active_processes,omitempty"`
	Trends          Trends                     `json:"trends"`
}

const (
	maxRecentAlerts    = 20
	maxActiveProcesses = 10
	failureSpikeWindow = time.Hour
	failureSpikeCount  = 5
	slaBreachAge       = 24 * time.Hour
	degradedEfficiency = 0.5
)

// Monitor consumes process tracking updates and serves per-tenant analytics,
// alerts and dashboards. It satisfies the automation layer's Recorder
// interface. The sink receives notifications for high and critical alerts and
// may be nil.
type Monitor struct {
	sink   notify.Sink
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	procs    map[string]*schema.ProcessExecution // by execution id, latest wins
	alerts   *alertRing
	failures map[string][]time.Time // org id -> failure timestamps, pruned to window
	raised   map[string]bool        // execution id + alert type, spike keyed by org
}

// New creates a Monitor. sink and logger may be nil.
func New(sink notify.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		procs:    make(map[string]*schema.ProcessExecution),
		alerts:   newAlertRing(alertRingCapacity),
		failures: make(map[string][]time.Time),
		raised:   make(map[string]bool),
	}
}

// Record upserts the latest tracking state of a process and evaluates the
// alert rules against it. Callers pass snapshots; the monitor keeps the
// pointer it is given and never mutates it.
func (m *Monitor) Record(proc *schema.ProcessExecution) {
	if proc == nil || proc.ExecutionID == "" {
		return
	}

	m.mu.Lock()
	prev := m.procs[proc.ExecutionID]
	m.procs[proc.ExecutionID] = proc
	becameFailed := proc.Status == schema.StatusFailed &&
		(prev == nil || prev.Status != schema.StatusFailed)
	if becameFailed {
		m.failures[proc.OrganizationID] = append(m.failures[proc.OrganizationID], m.now())
	}
	m.mu.Unlock()

	m.evaluateAlerts(proc)
}

// Process returns the tenant's latest record for an execution. Finalized
// processes leave the automation layer but stay queryable here.
func (m *Monitor) Process(orgID, executionID string) (*schema.ProcessExecution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.procs[executionID]
	if !ok || proc.OrganizationID != orgID {
		return nil, false
	}
	return proc, true
}

// Analytics aggregates the tenant's processes. Records belonging to other
// organizations are excluded before any aggregation happens.
func (m *Monitor) Analytics(orgID string) Analytics {
	out := Analytics{
		OrganizationID: orgID,
		StatusCounts:   make(map[schema.ExecutionStatus]int),
	}

	var (
		completionSum int64
		completionN   int64
		efficiencySum float64
		efficiencyN   int
		escalations   int
		errCounts     = map[string]int{}
		stepSums      = map[string]int64{}
		stepNs        = map[string]int{}
	)

	for _, proc := range m.tenantProcs(orgID) {
		out.TotalProcesses++
		out.StatusCounts[proc.Status]++
		escalations += len(proc.Escalations)

		if proc.Status == schema.StatusCompleted && proc.Metrics.CompletionTimeMs > 0 {
			completionSum += proc.Metrics.CompletionTimeMs
			completionN++
		}
		if proc.Status.IsTerminal() && proc.Metrics.TotalSteps > 0 {
			efficiencySum += proc.Metrics.AutomationEfficiency
			efficiencyN++
		}
		for _, msg := range proc.ValidationErrors {
			errCounts[msg]++
		}
		for stepID, ms := range proc.Metrics.StepDurationsMs {
			stepSums[stepID] += ms
			stepNs[stepID]++
		}
	}

	if completionN > 0 {
		out.AvgCompletionTimeMs = completionSum / completionN
	}
	if efficiencyN > 0 {
		out.AvgEfficiency = efficiencySum / float64(efficiencyN)
	}
	if out.TotalProcesses > 0 {
		out.EscalationRate = float64(escalations) / float64(out.TotalProcesses)
	}
	out.TopValidationErrors = topMessages(errCounts, 5)
	out.BottleneckSteps = slowestSteps(stepSums, stepNs, 5)
	return out
}

// Alerts returns the tenant's alerts from the ring buffer, most recent last.
func (m *Monitor) Alerts(orgID string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts.list() {
		if a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	return out
}

// Dashboard assembles the tenant's snapshot: analytics, recent alerts, up to
// ten active processes and 24h trend data.
func (m *Monitor) Dashboard(orgID string) Dashboard {
	now := m.now()
	dash := Dashboard{
		OrganizationID: orgID,
		GeneratedAt:    now.UTC(),
		Analytics:      m.Analytics(orgID),
	}

	alerts := m.Alerts(orgID)
	if len(alerts) > maxRecentAlerts {
		alerts = alerts[len(alerts)-maxRecentAlerts:]
	}
	dash.RecentAlerts = alerts

	var active []*schema.ProcessExecution
	var effSum float64
	var effN int
	cutoff := now.Add(-24 * time.Hour)
	for _, proc := range m.tenantProcs(orgID) {
		if !proc.Status.IsTerminal() {
			active = append(active, proc)
			continue
		}
		if proc.EndedAt == nil || proc.EndedAt.Before(cutoff) {
			continue
		}
		switch proc.Status {
		case schema.StatusCompleted:
			dash.Trends.CompletedLast24h++
		case schema.StatusFailed:
			dash.Trends.FailedLast24h++
		}
		dash.Trends.EscalationsLast24h += len(proc.Escalations)
		if proc.Metrics.TotalSteps > 0 {
			effSum += proc.Metrics.AutomationEfficiency
			effN++
		}
	}
	if effN > 0 {
		dash.Trends.EfficiencyLast24h = effSum / float64(effN)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.After(active[j].StartedAt)
	})
	if len(active) > maxActiveProcesses {
		active = active[:maxActiveProcesses]
	}
	dash.ActiveProcesses = active
	return dash
}

// tenantProcs snapshots the tenant's records under the lock.
func (m *Monitor) tenantProcs(orgID string) []*schema.ProcessExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ProcessExecution
	for _, proc := range m.procs {
		if proc.OrganizationID == orgID {
			out = append(out, proc)
		}
	}
	return out
}

func topMessages(counts map[string]int, n int) []CountedMessage {
	out := make([]CountedMessage, 0, len(counts))
	for msg, c := range counts {
		out = append(out, CountedMessage{Message: msg, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func slowestSteps(sums map[string]int64, ns map[string]int, n int) []StepTiming {
	out := make([]StepTiming, 0, len(sums))
	for stepID, sum := range sums {
		samples := ns[stepID]
		if samples == 0 {
			continue
		}
		out = append(out, StepTiming{
			StepID:        stepID,
			AvgDurationMs: sum / int64(samples),
			Samples:       samples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgDurationMs != out[j].AvgDurationMs {
			return out[i].AvgDurationMs > out[j].AvgDurationMs
		}
		return out[i].StepID < out[j].StepID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
