package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/diagram"
)

// handlePending lists outstanding requests, oldest first.
func (s *ApprovalServer) handlePending(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID := req.GetString("step_id", "")

	pending := make([]approval.Request, 0)
	for _, r := range s.bridge.PendingRequests() {
		if stepID != "" && r.StepID != stepID {
			continue
		}
		pending = append(pending, r)
	}
	return marshalResult(map[string]any{
		"requests": pending,
		"count":    len(pending),
	})
}

// handleRespond submits a decision for a pending request.
func (s *ApprovalServer) handleRespond(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	resp := approval.Response{
		RequestID:  requestID,
		Approved:   req.GetBool("approved", true),
		Regenerate: req.GetBool("regenerate", false),
	}
	if _, ok := req.GetArguments()["selected_index"]; ok {
		idx := req.GetInt("selected_index", 0)
		resp.SelectedIndex = &idx
	}

	if !s.bridge.SubmitResponse(resp) {
		return mcp.NewToolResultError(fmt.Sprintf("request %s is unknown, already answered or the index is out of range", requestID)), nil
	}
	return marshalResult(map[string]any{
		"ok":         true,
		"request_id": requestID,
	})
}

// handleProgress returns the bridge's progress snapshot.
func (s *ApprovalServer) handleProgress(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.bridge.Progress())
}

// handlePlan renders the plan, overlaying step status from progress.
func (s *ApprovalServer) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.plan == nil {
		return mcp.NewToolResultError("no pipeline plan loaded"), nil
	}
	format := req.GetString("format", "ascii")
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	states := make(map[string]*diagram.StatusOverlay)
	for _, st := range s.bridge.Progress().Steps {
		if st.Status != "" {
			states[st.ID] = &diagram.StatusOverlay{Status: string(st.Status)}
		}
	}
	return mcp.NewToolResultText(s.plan.Render(format, states)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
