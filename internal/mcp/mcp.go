// Package mcp implements the Model Context Protocol server for keiro.
//
// The MCP server exposes the run service through MCP tools, resources and
// prompts, so an agent can start runs, deliver external events, and advance
// branch points without going through the HTTP API.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/service/runs"
)

// Server wraps the MCP server with keiro's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	runs        *runs.Service
	registry    *events.Registry
	logger      *slog.Logger
	viewTracker *viewTracker
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(svc *runs.Service, registry *events.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:        svc,
		registry:    registry,
		logger:      logger,
		viewTracker: newViewTracker(10 * time.Minute),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"keiro",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `keiro runs tiered workflows. A run holds one subroutine context per instance.
Read a run with keiro_get_run before advancing it. Deliver external messages,
signals, errors and escalations with keiro_deliver. Advance a branch point with
keiro_advance; if the decision is deferred, answer it with keiro_resolve and
advance again.`

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
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
