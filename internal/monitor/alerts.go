package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/pkg/schema"
)

// Alert types produced by the rule evaluation.
const (
	AlertSLABreach            = "sla_breach"
	AlertFailureSpike         = "failure_spike"
	AlertPerformanceDegraded  = "performance_degradation"
	AlertUnresolvedEscalation = "unresolved_escalation"
)

// Alert severities. High and critical alerts additionally trigger an external
// notification.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is a single rule finding. Alerts are immutable once appended.
type Alert struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

const alertRingCapacity = 100

// alertRing is a fixed-capacity buffer keeping the most recent alerts. Old
// entries are overwritten once the capacity is reached.
type alertRing struct {
	buf  []Alert
	next int
	full bool
}

func newAlertRing(capacity int) *alertRing {
	return &alertRing{buf: make([]Alert, capacity)}
}

func (r *alertRing) add(a Alert) {
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the retained alerts in insertion order.
func (r *alertRing) list() []Alert {
	if !r.full {
		return append([]Alert(nil), r.buf[:r.next]...)
	}
	out := make([]Alert, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// evaluateAlerts applies the alert rules to an updated process. Each rule
// fires at most once per execution (the failure spike at most once per
// tenant per window).
func (m *Monitor) evaluateAlerts(proc *schema.ProcessExecution) {
	now := m.now()

	if !proc.Status.IsTerminal() && now.Sub(proc.StartedAt) > slaBreachAge {
		m.raise(Alert{
			OrganizationID: proc.OrganizationID,
			ExecutionID:    proc.ExecutionID,
			Type:           AlertSLABreach,
			Severity:       SeverityHigh,
			Message: fmt.Sprintf("process %s has been running for more than %s",
				proc.ExecutionID, slaBreachAge),
		}, proc.ExecutionID+"|"+AlertSLABreach)
	}

	if m.failureSpike(proc.OrganizationID, now) {
		m.raise(Alert{
			OrganizationID: proc.OrganizationID,
			Type:           AlertFailureSpike,
			Severity:       SeverityCritical,
			Message: fmt.Sprintf("more than %d failures in the last hour for organization %s",
				failureSpikeCount, proc.OrganizationID),
		}, proc.OrganizationID+"|"+AlertFailureSpike+"|"+now.Truncate(failureSpikeWindow).String())
	}

	if proc.Status.IsTerminal() && proc.Metrics.TotalSteps > 0 &&
		proc.Metrics.AutomationEfficiency < degradedEfficiency {
		m.raise(Alert{
			OrganizationID: proc.OrganizationID,
			ExecutionID:    proc.ExecutionID,
			Type:           AlertPerformanceDegraded,
			Severity:       SeverityMedium,
			Message: fmt.Sprintf("process %s finished with automation efficiency %.2f",
				proc.ExecutionID, proc.Metrics.AutomationEfficiency),
		}, proc.ExecutionID+"|"+AlertPerformanceDegraded)
	}

	if proc.UnresolvedEscalations() > 0 {
		m.raise(Alert{
			OrganizationID: proc.OrganizationID,
			ExecutionID:    proc.ExecutionID,
			Type:           AlertUnresolvedEscalation,
			Severity:       SeverityHigh,
			Message: fmt.Sprintf("process %s has %d unresolved escalation(s)",
				proc.ExecutionID, proc.UnresolvedEscalations()),
		}, proc.ExecutionID+"|"+AlertUnresolvedEscalation)
	}
}

// failureSpike prunes the tenant's failure timestamps to the window and
// reports whether the spike threshold is exceeded.
func (m *Monitor) failureSpike(orgID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-failureSpikeWindow)
	kept := m.failures[orgID][:0]
	for _, ts := range m.failures[orgID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.failures[orgID] = kept
	return len(kept) > failureSpikeCount
}

// raise appends the alert unless the dedupe key already fired, and sends a
// notification for high and critical severities.
func (m *Monitor) raise(a Alert, dedupeKey string) {
	m.mu.Lock()
	if m.raised[dedupeKey] {
		m.mu.Unlock()
		return
	}
	m.raised[dedupeKey] = true
	a.ID = uuid.NewString()
	a.CreatedAt = m.now().UTC()
	m.alerts.add(a)
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		slog.String("type", a.Type),
		slog.String("severity", a.Severity),
		slog.String("org_id", a.OrganizationID),
		slog.String("execution_id", a.ExecutionID))

	if m.sink == nil || (a.Severity != SeverityHigh && a.Severity != SeverityCritical) {
		return
	}
	err := m.sink.Send(context.Background(), notify.Request{
		Channel:  "email",
		Subject:  "Alert: " + a.Type,
		Body:     a.Message,
		Priority: a.Severity,
		Metadata: map[string]any{
			"alert_id":     a.ID,
			"org_id":       a.OrganizationID,
			"execution_id": a.ExecutionID,
		},
	})
	if err != nil {
		m.logger.Warn("alert notification", slog.String("error", err.Error()))
	}
}
