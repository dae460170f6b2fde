package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/procflow/internal/automation"
	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/internal/directory"
	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/integration"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/monitor"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/scheduler"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "procflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := broadcast.NewMemoryHub()

	queue := notify.NewQueue(notify.NewLogSink(logger), logger,
		time.Duration(cfg.NotifyInterval)*time.Second)
	queue.Start(ctx)
	defer queue.Stop()

	dir := directory.NewStaticDirectory()
	for orgID, roles := range cfg.Directory {
		for role, users := range roles {
			dir.Assign(orgID, role, users...)
		}
	}

	client := integration.NewClient(integration.ClientConfig{})

	eng, err := engine.New(engine.DefaultConfig(), st, hub, queue, dir, client, logger)
	if err != nil {
		return err
	}

	mon := monitor.New(queue, logger)

	auto := automation.New(automation.Config{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		AmountThreshold:  cfg.AmountThreshold,
		Workers:          cfg.Workers,
	}, eng, st, nil, hub, queue, mon, logger)
	if err := auto.Start(ctx); err != nil {
		return err
	}
	defer auto.Stop()

	sched := scheduler.New(scheduler.Config{
		Interval: time.Duration(cfg.SchedulerInterval) * time.Second,
	}, st, auto, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Automator: auto,
		Monitor:   mon,
		Store:     st,
		Hub:       hub,
		Logger:    logger,
	})

	notifier := mcp.NewProgressNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Start(ctx); err != nil {
		return err
	}
	defer notifier.Stop()

	logger.Info("procflow started", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

// openStore selects the execution store: "memory" for the in-memory store,
// anything else is a libSQL database path.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DBPath == "memory" {
		logger.Warn("using in-memory store; state is lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
