package advisor

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// CircuitState represents the state of the advisor circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// GuardConfig configures the advisor guard.
type GuardConfig struct {
	// CallTimeout bounds every advisor call.
	CallTimeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultGuardConfig returns a sensible default configuration.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:      10 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Guard wraps an Advisor with a per-call timeout and a circuit breaker so a
// flapping advisor degrades to "no opinion" quickly instead of stalling the
// transition path.
type Guard struct {
	inner  Advisor
	config GuardConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// NewGuard wraps inner with the given config.
func NewGuard(inner Advisor, config GuardConfig) *Guard {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultGuardConfig().CallTimeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultGuardConfig().Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Guard{inner: inner, config: config}
}

func (g *Guard) Validate(ctx context.Context, data map[string]any, step *schema.WorkflowStep) (*ValidationVerdict, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
	defer cancel()

	verdict, err := g.inner.Validate(callCtx, data, step)
	g.record(err)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAdvisorUnavailable, "advisor validate failed").WithCause(err)
	}
	return verdict, nil
}

func (g *Guard) Route(ctx context.Context, pattern *schema.WorkflowPattern, step *schema.WorkflowStep, data map[string]any) (*RoutingSuggestion, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
	defer cancel()

	suggestion, err := g.inner.Route(callCtx, pattern, step, data)
	g.record(err)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAdvisorUnavailable, "advisor route failed").WithCause(err)
	}
	return suggestion, nil
}

// State returns the current circuit state, applying the open → half-open
// transition when the cooldown has elapsed.
func (g *Guard) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == CircuitOpen && time.Since(g.lastFailureTime) >= g.config.Cooldown {
		g.state = CircuitHalfOpen
		g.halfOpenAttempts = 0
	}
	return g.state
}

// allow checks whether a call may proceed under the circuit breaker.
func (g *Guard) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(g.lastFailureTime) >= g.config.Cooldown {
			g.state = CircuitHalfOpen
			g.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeAdvisorUnavailable,
			"advisor circuit open: %d consecutive failures", g.consecutiveFailures).
			WithDetails(map[string]any{
				"state":                g.state.String(),
				"consecutive_failures": g.consecutiveFailures,
				"cooldown_remaining":   (g.config.Cooldown - time.Since(g.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if g.halfOpenAttempts >= g.config.HalfOpenMax {
			return schema.NewError(schema.ErrCodeAdvisorUnavailable,
				"advisor circuit half-open: max test requests reached")
		}
		g.halfOpenAttempts++
		return nil
	}

	return nil
}

// record updates breaker state after a call.
func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.consecutiveFailures = 0
		g.halfOpenAttempts = 0
		g.state = CircuitClosed
		return
	}

	g.consecutiveFailures++
	g.lastFailureTime = time.Now()

	if g.state == CircuitHalfOpen || g.consecutiveFailures >= g.config.FailureThreshold {
		g.state = CircuitOpen
	}
}
