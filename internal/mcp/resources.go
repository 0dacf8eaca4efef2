package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// keiro://event-types: the event type registry.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"keiro://event-types",
			"Event Types",
			mcplib.WithResourceDescription("Every registered event type with its tier and category"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleEventTypesResource,
	)

	// keiro://strategies: execution strategy performance.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"keiro://strategies",
			"Execution Strategies",
			mcplib.WithResourceDescription("Registered execution strategies with performance metrics and advice"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStrategiesResource,
	)

	// keiro://runs/recent: recently updated runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"keiro://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("The most recently updated runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// keiro://runs/{id}: one run's full state.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"keiro://runs/{id}",
			"Run",
			mcplib.WithTemplateDescription("Full state of one run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleEventTypesResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.registry.All())
}

func (s *Server) handleStrategiesResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.runs.AllStrategyMetrics())
}

func (s *Server) handleRecentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	list, err := s.runs.List(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	out := make([]map[string]any, len(list))
	for i, r := range list {
		out[i] = compactRun(r)
	}
	return jsonResource(request.Params.URI, out)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runID, err := parseRunURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	return jsonResource(request.Params.URI, run)
}

// parseRunURI extracts the run ID from keiro://runs/{id}.
func parseRunURI(uri string) (uuid.UUID, error) {
	const prefix = "keiro://runs/"
	rest, ok := strings.CutPrefix(uri, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run id in URI: %s", uri)
	}
	return id, nil
}
