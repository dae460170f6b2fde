package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/broadcast"
)

// ProgressNotifier bridges the broadcast hub to MCP push notifications: every
// progress event for an execution is forwarded to the session registered for
// it. Delivery is best-effort; a disconnected session is dropped silently.
type ProgressNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       broadcast.Hub
	logger    *slog.Logger

	unsub    func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewProgressNotifier creates a notifier. logger may be nil.
func NewProgressNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub broadcast.Hub, logger *slog.Logger) *ProgressNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Start subscribes to the hub and forwards events until Stop or ctx
// cancellation.
func (n *ProgressNotifier) Start(ctx context.Context) error {
	ch, unsub, err := n.hub.Subscribe(ctx, broadcast.Filter{})
	if err != nil {
		return err
	}
	n.unsub = unsub
	n.stop = make(chan struct{})
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				n.forward(ev)
			case <-n.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop unsubscribes from the hub and waits for the forwarding loop to exit.
// The hub never closes subscription channels, so the loop is released through
// the internal stop channel rather than the context.
func (n *ProgressNotifier) Stop() {
	if n.done == nil {
		return
	}
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.unsub != nil {
			n.unsub()
			n.unsub = nil
		}
	})
	<-n.done
}

func (n *ProgressNotifier) forward(ev broadcast.ProgressEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}

	payload := map[string]any{
		"execution_id": ev.ExecutionID,
		"event_type":   ev.EventType,
		"status":       string(ev.Status),
		"percent":      ev.Percent,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if ev.StepLabel != "" {
		payload["step_label"] = ev.StepLabel
	}
	if ev.Error != "" {
		payload["error"] = ev.Error
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/progress", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("progress push", slog.String("error", err.Error()))
	}

	if ev.Status.IsTerminal() {
		n.sessions.Forget(ev.ExecutionID)
	}
}
