// Package mcp exposes the workflow core over the Model Context Protocol:
// flow.* tools for lifecycle and queries, plus a push bridge that forwards
// broadcast progress events to the session that started or last touched an
// execution.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/automation"
	"github.com/rendis/procflow/internal/broadcast"
	"github.com/rendis/procflow/internal/monitor"
	"github.com/rendis/procflow/internal/store"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Automator *automation.Automator
	Monitor   *monitor.Monitor
	Store     store.Store
	Hub       broadcast.Hub
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with the workflow tool handlers.
type FlowServer struct {
	automator *automation.Automator
	monitor   *monitor.Monitor
	store     store.Store
	hub       broadcast.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all flow.* tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		automator: deps.Automator,
		monitor:   deps.Monitor,
		store:     deps.Store,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"procflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Procflow executes multi-step business processes from workflow patterns. Use flow.start to launch a process, flow.advance to complete the current step, flow.pause/flow.resume/flow.cancel for lifecycle control, flow.status for a single execution, flow.query to list executions/processes/events/patterns, and flow.dashboard for tenant analytics. Every call is scoped to an organization_id."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions exposes the registry for the progress notifier.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: dashboardTool(), Handler: s.handleDashboard},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("flow.start",
		mcp.WithDescription("Start an execution of a workflow pattern"),
		mcp.WithString("pattern_id", mcp.Required(), mcp.Description("ID of the workflow pattern to execute")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User the execution is started on behalf of")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant the execution belongs to")),
		mcp.WithObject("initial_data", mcp.Description("Initial context data")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("flow.advance",
		mcp.WithDescription("Complete the current step of an execution with the supplied step data"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to advance")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant the execution belongs to")),
		mcp.WithObject("step_data", mcp.Description("Data produced by the current step")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("flow.pause",
		mcp.WithDescription("Pause a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to pause")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant the execution belongs to")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flow.resume",
		mcp.WithDescription("Resume a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant the execution belongs to")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant the execution belongs to")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get the tracking record of an execution, optionally with its event history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant the execution belongs to")),
		mcp.WithString("include_events", mcp.Description("Include the execution event log (default: false)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query processes, executions, events, or patterns for a tenant"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("processes", "executions", "events", "patterns"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant to query")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, user_id, execution_id, since, limit, offset)")),
	)
}

func dashboardTool() mcp.Tool {
	return mcp.NewTool("flow.dashboard",
		mcp.WithDescription("Get the tenant dashboard: analytics, recent alerts, active processes and trends"),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant to aggregate")),
	)
}
