package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Request is an outbound notification. Fire-and-forget: the core never
// depends on a delivery result.
type Request struct {
	Channel    string         `json:"channel"` // email | chat | webhook
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Sink accepts outbound notification requests.
// Implementations must tolerate concurrent Send calls. Delivery failures are
// a best-effort side channel and never affect execution status.
type Sink interface {
	Send(ctx context.Context, req Request) error
}

// LogSink writes notifications to the log. Default sink for local runs where
// no delivery channel is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, req Request) error {
	s.logger.InfoContext(ctx, "notification",
		slog.String("channel", req.Channel),
		slog.Any("recipients", req.Recipients),
		slog.String("subject", req.Subject),
		slog.String("priority", req.Priority),
	)
	return nil
}

// MemorySink records notifications for inspection in tests.
type MemorySink struct {
	mu   sync.Mutex
	sent []Request
}

// NewMemorySink creates a MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Send(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return nil
}

// Sent returns a copy of all recorded notifications.
func (s *MemorySink) Sent() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.sent))
	copy(out, s.sent)
	return out
}
