// Package mcp exposes the bridge's operational surface over the Model
// Context Protocol, so MCP-compatible agents and operator tooling can
// inspect the escalation queue and trigger passes without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsunagi/internal/escalation"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// Server wraps the MCP server with the bridge's collaborators.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	scheduler *escalation.Scheduler
	worker    *escalation.Worker
	logger    *slog.Logger
}

// New creates and configures the MCP server with all resources and tools.
func New(db *storage.DB, scheduler *escalation.Scheduler, worker *escalation.Worker, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		scheduler: scheduler,
		worker:    worker,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsunagi",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// tsunagi://escalations/queue — durable queue job counts by state.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tsunagi://escalations/queue",
			"Escalation Queue",
			mcplib.WithResourceDescription("Durable escalation queue job counts by state"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleQueueResource,
	)
}

func (s *Server) registerTools() {
	// tsunagi_queue_status — inspect the escalation queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_queue_status",
			mcplib.WithDescription("Report escalation queue job counts by state (pending, running, completed, failed, skipped)"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleQueueStatus,
	)

	// tsunagi_trigger_escalation — run a scheduling pass now.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_trigger_escalation",
			mcplib.WithDescription("Run an escalation scheduling pass immediately instead of waiting for the next tick. Idempotent: items already queued or escalated are not re-queued."),
			mcplib.WithDestructiveHintAnnotation(false),
		),
		s.handleTrigger,
	)

	// tsunagi_get_run — look up one agent run record.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_get_run",
			mcplib.WithDescription("Look up a bridge-side agent run record by ID"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID the run belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("run_id",
				mcplib.Description("Run UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)
}

func (s *Server) handleQueueResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	status, err := s.db.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: queue status: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal queue status: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tsunagi://escalations/queue",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleQueueStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := s.db.CountJobsByStatus(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("queue status failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(status, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleTrigger(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	resp, err := s.scheduler.TriggerManually(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("trigger failed: %v", err)), nil
	}
	if resp.Enqueued > 0 {
		s.worker.Wake()
	}

	data, _ := json.Marshal(resp)
	return textResult(string(data)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := uuid.Parse(request.GetString("tenant_id", ""))
	if err != nil {
		return errorResult("tenant_id must be a UUID"), nil
	}
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.db.GetRun(ctx, tenantID, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(run, "", "  ")
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
