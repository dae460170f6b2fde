package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/pkg/schema"
)

func TestNewFlowServer(t *testing.T) {
	s, _ := newToolRig(t)
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s, _ := newToolRig(t)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 8)

	expectedTools := []string{
		"flow.start",
		"flow.advance",
		"flow.pause",
		"flow.resume",
		"flow.cancel",
		"flow.status",
		"flow.query",
		"flow.dashboard",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestProgressNotifier_DropsDeadSessions(t *testing.T) {
	s, _ := newToolRig(t)

	n := NewProgressNotifier(s.MCPServer(), s.Sessions(), s.hub, nil)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)

	// No MCP client is connected, so the push fails with a missing session
	// and the stale mapping is dropped.
	s.Sessions().Register("exec-1", "session-gone")

	err := s.hub.Publish(context.Background(), broadcast.ProgressEvent{
		ExecutionID: "exec-1",
		EventType:   schema.EventStepStarted,
		Status:      schema.StatusInProgress,
		Percent:     0,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := s.Sessions().SessionFor("exec-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestProgressNotifier_StopReturnsWithLiveContext(t *testing.T) {
	s, _ := newToolRig(t)

	n := NewProgressNotifier(s.MCPServer(), s.Sessions(), s.hub, nil)
	require.NoError(t, n.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		n.Stop()
		close(stopped)
	}()

	// Stop must not depend on the start context being cancelled.
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while the start context was still live")
	}
}

func TestProgressNotifier_IgnoresUnwatchedExecutions(t *testing.T) {
	s, _ := newToolRig(t)

	n := NewProgressNotifier(s.MCPServer(), s.Sessions(), s.hub, nil)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)

	err := s.hub.Publish(context.Background(), broadcast.ProgressEvent{
		ExecutionID: "unwatched",
		EventType:   schema.EventStepStarted,
		Status:      schema.StatusInProgress,
	})
	require.NoError(t, err)

	_, ok := s.Sessions().SessionFor("unwatched")
	assert.False(t, ok)
}
