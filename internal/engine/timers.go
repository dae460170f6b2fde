package engine

import (
	"sync"
	"time"
)

// timerKey identifies an escalation timer. Timers are keyed per execution and
// step so re-entering a step always replaces the previous timer.
type timerKey struct {
	executionID string
	stepID      string
}

// timerRegistry tracks armed SLA escalation timers. All methods are safe for
// concurrent use.
type timerRegistry struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[timerKey]*time.Timer)}
}

// Arm schedules fn after d, replacing any timer already armed for the key.
func (r *timerRegistry) Arm(executionID, stepID string, d time.Duration, fn func()) {
	key := timerKey{executionID, stepID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(d, fn)
}

// Clear stops and removes the timer for a single step, if armed.
func (r *timerRegistry) Clear(executionID, stepID string) {
	key := timerKey{executionID, stepID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// ClearExecution stops and removes every timer armed for an execution.
func (r *timerRegistry) ClearExecution(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.timers {
		if key.executionID == executionID {
			t.Stop()
			delete(r.timers, key)
		}
	}
}

// Armed reports whether a timer is currently armed for the key.
func (r *timerRegistry) Armed(executionID, stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[timerKey{executionID, stepID}]
	return ok
}

// Len returns the number of armed timers.
func (r *timerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
