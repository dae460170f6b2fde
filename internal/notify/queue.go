package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDrainInterval is how often the queue flushes buffered notifications.
const DefaultDrainInterval = 2 * time.Second

// Queue is a Sink decorator that buffers notifications and drains them to the
// inner sink on a fixed interval. This decouples the hot transition path from
// notification-channel latency and failures.
type Queue struct {
	inner    Sink
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending []Request

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewQueue creates a Queue draining to inner. interval <= 0 uses the default.
func NewQueue(inner Sink, logger *slog.Logger, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Queue{inner: inner, logger: logger, interval: interval}
}

// Send buffers the request for the background drainer. It never blocks on the
// delivery channel and never fails.
func (q *Queue) Send(_ context.Context, req Request) error {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
	return nil
}

// Start launches the background drain loop.
func (q *Queue) Start(ctx context.Context) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.done != nil {
		return
	}

	drainCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.loop(drainCtx)
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.Drain(context.Background()) // final flush
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// Drain flushes all buffered notifications to the inner sink.
// Delivery errors are logged and the remaining batch continues.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range batch {
		if err := q.inner.Send(ctx, req); err != nil {
			q.logger.Warn("notification delivery failed",
				slog.String("channel", req.Channel),
				slog.String("subject", req.Subject),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Stop shuts down the drain loop, flushing anything still buffered.
func (q *Queue) Stop() {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil
}

// Pending returns the number of buffered notifications.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
