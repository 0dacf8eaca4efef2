package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/service/runs"
	"github.com/ashita-ai/keiro/internal/storage/sqlite"
	"github.com/ashita-ai/keiro/internal/strategy"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type echoTools struct{}

func (echoTools) RunTool(_ context.Context, call model.ToolCall) (strategy.ToolResult, error) {
	return strategy.ToolResult{Output: call.Input, Credits: 1}, nil
}

// testSession is a minimal mcp-go client session.
type testSession struct {
	id string
	ch chan mcplib.JSONRPCNotification
}

func newTestSession(id string) *testSession {
	return &testSession{id: id, ch: make(chan mcplib.JSONRPCNotification, 8)}
}

func (s *testSession) Initialize()       {}
func (s *testSession) Initialized() bool { return true }
func (s *testSession) SessionID() string { return s.id }
func (s *testSession) NotificationChannel() chan<- mcplib.JSONRPCNotification {
	return s.ch
}

// newTestServer builds an MCP server over an in-memory SQLite run service.
func newTestServer(t *testing.T, picker decision.Strategy) *Server {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := events.NewRegistry()
	events.RegisterDefaults(reg)

	coord := strategy.NewCoordinator(strategy.CoordinatorConfig{
		Strategies: strategy.NewRegistry("deterministic", strategy.Deterministic{}),
		Backends:   strategy.Backends{Tools: echoTools{}},
		Logger:     quietLogger(),
	})
	svc := runs.New(runs.Config{
		Store: store,
		Catalog: runs.StaticCatalog{
			"notify": {ID: "notify", Steps: []model.ToolCall{{Tool: "send", Input: map[string]any{"to": "ops"}}}},
		},
		Coordinator: coord,
		Decisions:   picker,
		Logger:      quietLogger(),
	})
	return New(svc, reg, quietLogger(), "test")
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeToolJSON[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, "tool failed: %s", parseToolText(t, result))
	var out T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

// mustStartRun starts a run with the given instances, all running "notify".
func mustStartRun(t *testing.T, s *Server, ctx context.Context, instances ...string) string {
	t.Helper()
	subs := make([]any, len(instances))
	for i, id := range instances {
		subs[i] = map[string]any{"instance_id": id, "routine_id": "notify"}
	}
	result, err := s.handleStartRun(ctx, toolRequest("keiro_start_run", map[string]any{
		"subroutines": subs,
	}))
	require.NoError(t, err)
	run := decodeToolJSON[map[string]any](t, result)
	id, ok := run["run_id"].(string)
	require.True(t, ok)
	return id
}
