// Package scheduler starts executions for patterns that declare schedule
// triggers. It polls the pattern repository on a fixed interval, parses each
// trigger's cron expression and fires due triggers at most once per tick,
// deduplicating triggers that are still running from a previous tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Starter is the surface the scheduler needs to launch an execution. The
// automation layer satisfies it.
type Starter interface {
	StartProcess(ctx context.Context, patternID, userID, orgID string, initialData map[string]any) (*schema.ProcessExecution, error)
}

// Config tunes the scheduler.
type Config struct {
	// Interval is the polling period. Defaults to 60s.
	Interval time.Duration
	// UserID is attributed to triggered executions. Defaults to "scheduler".
	UserID string
	// DefaultOrgID is used when neither the trigger data nor the pattern
	// metadata names an organization.
	DefaultOrgID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.UserID == "" {
		c.UserID = "scheduler"
	}
	if c.DefaultOrgID == "" {
		c.DefaultOrgID = "default"
	}
	return c
}

// Scheduler polls patterns for due schedule triggers and starts executions.
type Scheduler struct {
	cfg     Config
	store   store.Store
	starter Starter
	parser  cron.Parser
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stateMu  sync.Mutex
	nextRuns map[string]time.Time // trigger key -> next due time
	inflight map[string]struct{}  // trigger keys currently starting
}

// New creates a Scheduler. logger may be nil.
func New(cfg Config, st store.Store, starter Starter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    st,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      time.Now,
		nextRuns: make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop shuts the polling loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Prime next-run times immediately so the first ticker tick can fire.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans all patterns and fires the schedule triggers that are due.
// Exported so a deployment can force a scan outside the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	patterns, err := s.store.ListPatterns(ctx)
	if err != nil {
		s.logger.Error("list patterns", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, rec := range patterns {
		for idx, trig := range rec.Pattern.Triggers {
			if trig.Type != schema.TriggerSchedule || trig.Schedule == "" {
				continue
			}
			s.evaluateTrigger(ctx, rec, idx, trig, now)
		}
	}
}

func (s *Scheduler) evaluateTrigger(ctx context.Context, rec *store.PatternRecord, idx int, trig schema.Trigger, now time.Time) {
	key := fmt.Sprintf("%s#%d", rec.ID, idx)

	schedule, err := s.parser.Parse(trig.Schedule)
	if err != nil {
		s.logger.Warn("invalid schedule trigger",
			slog.String("pattern_id", rec.ID),
			slog.String("schedule", trig.Schedule),
			slog.String("error", err.Error()))
		return
	}

	s.stateMu.Lock()
	next, known := s.nextRuns[key]
	if !known {
		// First sighting: arm for the next occurrence, do not fire for the past.
		s.nextRuns[key] = schedule.Next(now)
		s.stateMu.Unlock()
		return
	}
	if now.Before(next) {
		s.stateMu.Unlock()
		return
	}
	if _, running := s.inflight[key]; running {
		s.stateMu.Unlock()
		return
	}
	s.inflight[key] = struct{}{}
	s.nextRuns[key] = schedule.Next(now)
	s.stateMu.Unlock()

	defer func() {
		s.stateMu.Lock()
		delete(s.inflight, key)
		s.stateMu.Unlock()
	}()

	s.fire(ctx, rec, trig)
}

// fire starts one execution for a due trigger.
func (s *Scheduler) fire(ctx context.Context, rec *store.PatternRecord, trig schema.Trigger) {
	userID := s.cfg.UserID
	if u := cast.ToString(trig.Data["user_id"]); u != "" {
		userID = u
	}
	orgID := s.orgFor(rec, trig)

	initial := make(map[string]any, len(trig.Data))
	for k, v := range trig.Data {
		if k == "user_id" || k == "organization_id" {
			continue
		}
		initial[k] = v
	}

	proc, err := s.starter.StartProcess(ctx, rec.ID, userID, orgID, initial)
	if err != nil {
		s.logger.Error("scheduled start failed",
			slog.String("pattern_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled execution started",
		slog.String("pattern_id", rec.ID),
		slog.String("execution_id", proc.ExecutionID),
		slog.String("org_id", orgID))
}

// orgFor resolves the organization a triggered execution belongs to: trigger
// data first, then pattern metadata, then the configured default.
func (s *Scheduler) orgFor(rec *store.PatternRecord, trig schema.Trigger) string {
	if org := cast.ToString(trig.Data["organization_id"]); org != "" {
		return org
	}
	if org := cast.ToString(rec.Pattern.Metadata["organization_id"]); org != "" {
		return org
	}
	return s.cfg.DefaultOrgID
}

// NextRun reports the armed next-run time for a pattern's trigger, false when
// the trigger has not been seen yet.
func (s *Scheduler) NextRun(patternID string, triggerIdx int) (time.Time, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	next, ok := s.nextRuns[fmt.Sprintf("%s#%d", patternID, triggerIdx)]
	return next, ok
}
