package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/engine"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/streaming"
)

// ApprovalServerDeps holds the dependencies for creating an ApprovalServer.
type ApprovalServerDeps struct {
	Bridge *approval.Bridge
	Plan   *engine.Plan
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// ApprovalServer exposes a running pipeline's approval bridge as MCP tools.
type ApprovalServer struct {
	bridge    *approval.Bridge
	plan      *engine.Plan
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewApprovalServer creates an ApprovalServer with all 4 tools registered.
func NewApprovalServer(deps ApprovalServerDeps) *ApprovalServer {
	logger := logging.OrDefault(deps.Logger)
	bridge := deps.Bridge
	if bridge == nil {
		bridge = approval.NewBridge(approval.Config{Logger: logger})
	}

	s := &ApprovalServer{
		bridge: bridge,
		plan:   deps.Plan,
		hub:    deps.Hub,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"artgen",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("artgen runs asset generation pipelines that pause for human decisions. Use artgen.pending to list open requests, artgen.respond to approve, reject, select or regenerate, artgen.progress to follow the run and artgen.plan to see the step graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve relays approval events to clients and runs the stdio transport
// until ctx is cancelled or stdin closes.
func (s *ApprovalServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		stop, err := NewRelay(s.mcpServer, s.hub, s.logger).Start(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ApprovalServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ApprovalServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: progressTool(), Handler: s.handleProgress},
		{Tool: planTool(), Handler: s.handlePlan},
	}
}

// --- Tool definitions ---

func pendingTool() mcp.Tool {
	return mcp.NewTool("artgen.pending",
		mcp.WithDescription("List approval and selection requests waiting for a human decision"),
		mcp.WithString("step_id", mcp.Description("Only requests raised by this step")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("artgen.respond",
		mcp.WithDescription("Answer a pending approval or selection request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the pending request")),
		mcp.WithBoolean("approved", mcp.Description("Approve (true) or reject (false) an approve request")),
		mcp.WithNumber("selected_index", mcp.Description("Index of the chosen option for a select_one request")),
		mcp.WithBoolean("regenerate", mcp.Description("Discard the options and generate new ones")),
	)
}

func progressTool() mcp.Tool {
	return mcp.NewTool("artgen.progress",
		mcp.WithDescription("Get the current run progress"),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("artgen.plan",
		mcp.WithDescription("Render the pipeline's execution plan with live step status"),
		mcp.WithString("format",
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format: ascii (default) or mermaid"),
		),
	)
}
