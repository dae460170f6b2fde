package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// handleStart launches an execution of a workflow pattern.
func (s *FlowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patternID, err := req.RequireString("pattern_id")
	if err != nil {
		return mcp.NewToolResultError("pattern_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	initialData := mcp.ParseStringMap(req, "initial_data", nil)

	proc, startErr := s.automator.StartProcess(ctx, patternID, userID, orgID, initialData)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	s.captureSession(ctx, proc.ExecutionID)
	return marshalResult(proc)
}

// handleAdvance completes the current step of an execution.
func (s *FlowServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, orgID, errResult := requireExecutionScope(req)
	if errResult != nil {
		return errResult, nil
	}
	stepData := mcp.ParseStringMap(req, "step_data", nil)

	s.captureSession(ctx, executionID)

	proc, advErr := s.automator.AdvanceProcess(ctx, orgID, executionID, stepData)
	if advErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("advance failed: %v", advErr)), nil
	}
	return marshalResult(proc)
}

func (s *FlowServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.lifecycle(ctx, req, "pause", s.automator.PauseProcess)
}

func (s *FlowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.lifecycle(ctx, req, "resume", s.automator.ResumeProcess)
}

func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.lifecycle(ctx, req, "cancel", s.automator.CancelProcess)
}

func (s *FlowServer) lifecycle(ctx context.Context, req mcp.CallToolRequest, verb string,
	op func(context.Context, string, string) (*schema.ProcessExecution, error)) (*mcp.CallToolResult, error) {

	executionID, orgID, errResult := requireExecutionScope(req)
	if errResult != nil {
		return errResult, nil
	}

	s.captureSession(ctx, executionID)

	proc, opErr := op(ctx, orgID, executionID)
	if opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", verb, opErr)), nil
	}
	return marshalResult(proc)
}

// handleStatus returns the tracking record, optionally with the event log.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, orgID, errResult := requireExecutionScope(req)
	if errResult != nil {
		return errResult, nil
	}

	proc, err := s.automator.Process(ctx, orgID, executionID)
	if err != nil {
		// Terminal processes are evicted from the automation layer; the
		// monitor keeps the finalized record.
		final, ok := s.monitor.Process(orgID, executionID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
		proc = final
	}

	out := map[string]any{"process": proc}
	if req.GetString("include_events", "false") == "true" {
		events, evErr := s.store.GetEvents(ctx, executionID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
		}
		out["events"] = events
	}
	return marshalResult(out)
}

// handleQuery lists tenant-scoped resources.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "processes":
		return marshalResult(map[string]any{"processes": s.automator.Processes(orgID)})
	case "executions":
		return s.queryExecutions(ctx, orgID, filter)
	case "events":
		return s.queryEvents(ctx, orgID, filter)
	case "patterns":
		return s.queryPatterns(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDashboard returns the tenant dashboard snapshot.
func (s *FlowServer) handleDashboard(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	return marshalResult(s.monitor.Dashboard(orgID))
}

// --- Query helpers ---

func (s *FlowServer) queryExecutions(ctx context.Context, orgID string, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		OrganizationID: orgID,
		Limit:          extractInt(filter, "limit", 50),
		Offset:         extractInt(filter, "offset", 0),
	}
	if userID := extractString(filter, "user_id"); userID != "" {
		ef.UserID = userID
	}
	if status := extractString(filter, "status"); status != "" {
		st := schema.ExecutionStatus(status)
		ef.Status = &st
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *FlowServer) queryEvents(ctx context.Context, orgID string, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID := extractString(filter, "execution_id")
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}

	// The event log itself is not tenant-keyed; verify ownership first.
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil || exec.OrganizationID != orgID {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q not found", executionID)), nil
	}

	since := int64(extractInt(filter, "since_sequence", 0))
	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *FlowServer) queryPatterns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	patterns, err := s.store.ListPatterns(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	if category := extractString(filter, "category"); category != "" {
		kept := patterns[:0]
		for _, rec := range patterns {
			if rec.Pattern.Category == category {
				kept = append(kept, rec)
			}
		}
		patterns = kept
	}
	return marshalResult(map[string]any{"patterns": patterns})
}

// --- Internal helpers ---

func requireExecutionScope(req mcp.CallToolRequest) (executionID, orgID string, errResult *mcp.CallToolResult) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("execution_id is required")
	}
	orgID, err = req.RequireString("organization_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("organization_id is required")
	}
	return executionID, orgID, nil
}

// captureSession maps the execution to the calling MCP session so the
// progress notifier can push updates to it.
func (s *FlowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
