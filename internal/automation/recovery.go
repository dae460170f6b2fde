package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/pkg/schema"
)

// recoveryEntry is a failed transition awaiting re-attempt. One entry exists
// per execution; a newer failure replaces the older one.
type recoveryEntry struct {
	ExecutionID string
	StepID      string
	StepData    map[string]any
	LastError   string
	Attempts    int
	NextAttempt time.Time
}

// recoveryQueue holds pending recovery entries.
type recoveryQueue struct {
	mu      sync.Mutex
	entries map[string]*recoveryEntry
}

func newRecoveryQueue() *recoveryQueue {
	return &recoveryQueue{entries: make(map[string]*recoveryEntry)}
}

func (q *recoveryQueue) put(e *recoveryEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if prev, ok := q.entries[e.ExecutionID]; ok {
		e.Attempts = prev.Attempts
	}
	q.entries[e.ExecutionID] = e
}

// putIfAbsent inserts the entry unless one is already pending for the
// execution. Reports whether the entry was inserted.
func (q *recoveryQueue) putIfAbsent(e *recoveryEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.ExecutionID]; ok {
		return false
	}
	q.entries[e.ExecutionID] = e
	return true
}

func (q *recoveryQueue) remove(executionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, executionID)
}

// due returns the entries whose next attempt time has passed, bumping their
// attempt counter.
func (q *recoveryQueue) due(now time.Time) []*recoveryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*recoveryEntry
	for _, e := range q.entries {
		if !e.NextAttempt.After(now) {
			e.Attempts++
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (q *recoveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// enqueueRecovery records a retryable failure for later re-attempt.
func (a *Automator) enqueueRecovery(ctx context.Context, executionID, stepID string, stepData map[string]any, cause error) {
	a.recovery.put(&recoveryEntry{
		ExecutionID: executionID,
		StepID:      stepID,
		StepData:    stepData,
		LastError:   cause.Error(),
		NextAttempt: time.Now().Add(ComputeBackoff(a.cfg.RetryBackoff, a.cfg.MaxRetryDelay, 0)),
	})
	a.logger.WarnContext(ctx, "transition queued for recovery",
		slog.String("execution_id", executionID),
		slog.String("error", cause.Error()))
}

// queueRecoveryFromEvent records a step failure observed on the hub. Failures
// during self-advanced steps surface only this way; a pending entry for the
// execution is left untouched so its attempt counter and backoff survive.
func (a *Automator) queueRecoveryFromEvent(ev broadcast.ProgressEvent) {
	inserted := a.recovery.putIfAbsent(&recoveryEntry{
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		LastError:   ev.Error,
		NextAttempt: time.Now().Add(ComputeBackoff(a.cfg.RetryBackoff, a.cfg.MaxRetryDelay, 0)),
	})
	if inserted {
		a.logger.Warn("step failure queued for recovery",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("step_id", ev.StepID),
			slog.String("error", ev.Error))
	}
}

// processRecovery re-attempts due entries through the worker pool. Entries
// exhaust after MaxRetryAttempts; deterministic failures drop immediately.
func (a *Automator) processRecovery(ctx context.Context) {
	for _, entry := range a.recovery.due(time.Now()) {
		entry := entry
		err := a.pool.Submit(ctx, func(ctx context.Context) error {
			return a.attemptRecovery(ctx, entry)
		})
		if err != nil {
			return // pool shut down
		}
	}
}

func (a *Automator) attemptRecovery(ctx context.Context, entry *recoveryEntry) error {
	ctx = logging.WithExecutionID(ctx, entry.ExecutionID)

	// The execution may have ended between scheduling and this attempt.
	exec, err := a.driver.Status(ctx, entry.ExecutionID)
	if err != nil || exec.Status.IsTerminal() {
		a.recovery.remove(entry.ExecutionID)
		return err
	}

	a.appendEvent(ctx, entry.ExecutionID, entry.StepID, schema.EventRecoveryAttempt, map[string]any{
		"attempt":    entry.Attempts,
		"last_error": entry.LastError,
	})

	moved, err := a.driver.RetryStep(ctx, entry.ExecutionID, entry.StepData)
	if err == nil {
		a.recovery.remove(entry.ExecutionID)
		a.logger.InfoContext(ctx, "recovery succeeded", slog.Int("attempt", entry.Attempts))
		if moved != nil && moved.Status.IsTerminal() {
			if proc := a.lookup(entry.ExecutionID); proc != nil {
				a.finalize(entry.ExecutionID, proc)
			}
		}
		return nil
	}

	if !IsRetryableError(err) {
		a.recovery.remove(entry.ExecutionID)
		a.logger.WarnContext(ctx, "recovery abandoned: non-retryable",
			slog.String("error", err.Error()))
		return err
	}

	if entry.Attempts >= a.cfg.MaxRetryAttempts {
		a.giveUpRecovery(ctx, entry, err)
		a.recovery.remove(entry.ExecutionID)
		return err
	}

	a.recovery.put(&recoveryEntry{
		ExecutionID: entry.ExecutionID,
		StepID:      entry.StepID,
		StepData:    entry.StepData,
		LastError:   err.Error(),
		Attempts:    entry.Attempts,
		NextAttempt: time.Now().Add(ComputeBackoff(a.cfg.RetryBackoff, a.cfg.MaxRetryDelay, entry.Attempts)),
	})
	return err
}

// giveUpRecovery marks the execution failed after retry exhaustion. The
// engine may have already moved it to a terminal state; that is fine.
func (a *Automator) giveUpRecovery(ctx context.Context, entry *recoveryEntry, lastErr error) {
	ferr := schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"recovery exhausted after %d attempts: %s", entry.Attempts, lastErr.Error()).
		WithStep(entry.StepID).WithCause(lastErr)
	a.logger.ErrorContext(ctx, "recovery exhausted",
		slog.Int("attempts", entry.Attempts),
		slog.String("error", lastErr.Error()))

	if exec, err := a.driver.Status(ctx, entry.ExecutionID); err == nil && !exec.Status.IsTerminal() {
		if _, err := a.driver.FailWorkflow(ctx, entry.ExecutionID, ferr); err != nil {
			a.logger.WarnContext(ctx, "fail after retry exhaustion",
				slog.String("error", err.Error()))
		}
	}
	if proc := a.lookup(entry.ExecutionID); proc != nil {
		proc.mu.Lock()
		proc.record.Status = schema.StatusFailed
		proc.mu.Unlock()
		a.finalize(entry.ExecutionID, proc)
	}
}
