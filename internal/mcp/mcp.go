// Package mcp implements the Model Context Protocol server for Relay.
//
// MCP-compatible agent clients get read-only inspection of pipeline runs:
// the same snapshots the HTTP API serves, over the MCP tool surface. Run
// creation stays on the HTTP API, where admission checks and tenancy live.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
)

// Server wraps the MCP server with Relay's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(db *storage.DB, version string, logger *slog.Logger) *Server {
	s := &Server{
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"relay",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// relay_get_run: one run's full snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_get_run",
			mcplib.WithDescription(`Get the current snapshot of an analysis pipeline run: run status, per-step progress, token usage, and artifact ids.

Use this to check on a run you created or were given an id for. The snapshot
is the durable record; a run that already finished reports its terminal
status and error here.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// relay_list_runs: newest-first run listing for a project.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_list_runs",
			mcplib.WithDescription(`List analysis pipeline runs for a project, newest first.

Each entry carries the run's status, mode, selected agent types, and
aggregate token usage. Use relay_get_run for per-step detail.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("project_id",
				mcplib.Description("UUID of the project"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListRuns,
	)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a valid UUID"), nil
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("run not found"), nil
		}
		s.logger.Error("mcp: get run failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}
	steps, err := s.db.GetRunSteps(ctx, runID)
	if err != nil {
		s.logger.Error("mcp: get run steps failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("get run steps failed: %v", err)), nil
	}

	return jsonResult(model.RunSnapshot{Run: run, Steps: steps}), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return errorResult("project_id must be a valid UUID"), nil
	}
	limit := request.GetInt("limit", 20)

	runs, err := s.db.ListRuns(ctx, projectID, limit)
	if err != nil {
		s.logger.Error("mcp: list runs failed", "project_id", projectID, "error", err)
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	return jsonResult(runs), nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
