package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
)

// ---------- registry tools ----------

func TestHandleEventTypes(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	result, err := s.handleEventTypes(ctx, toolRequest("keiro_event_types", nil))
	require.NoError(t, err)
	all := decodeToolJSON[[]model.EventTypeMetadata](t, result)
	assert.NotEmpty(t, all)

	result, err = s.handleEventTypes(ctx, toolRequest("keiro_event_types", map[string]any{"tier": "process"}))
	require.NoError(t, err)
	process := decodeToolJSON[[]model.EventTypeMetadata](t, result)
	require.NotEmpty(t, process)
	assert.Less(t, len(process), len(all))
	for _, m := range process {
		assert.Equal(t, model.TierProcess, m.Tier)
	}
}

func TestHandleEventTypes_UnknownTier(t *testing.T) {
	s := newTestServer(t, nil)
	result, err := s.handleEventTypes(context.Background(), toolRequest("keiro_event_types", map[string]any{"tier": "galactic"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "unknown tier")
}

func TestHandleValidateEvent(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	result, err := s.handleValidateEvent(ctx, toolRequest("keiro_validate_event", map[string]any{
		"event": map[string]any{
			"type":   "run.started",
			"source": map[string]any{"tier": "process", "component": "runs"},
		},
	}))
	require.NoError(t, err)
	ok := decodeToolJSON[model.ValidateEventResponse](t, result)
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.Problems)

	result, err = s.handleValidateEvent(ctx, toolRequest("keiro_validate_event", map[string]any{
		"event": map[string]any{
			"type":   "run.started",
			"source": map[string]any{"tier": "execution"},
		},
	}))
	require.NoError(t, err)
	bad := decodeToolJSON[model.ValidateEventResponse](t, result)
	assert.False(t, bad.Valid)
	require.Len(t, bad.Problems, 1)
	assert.Contains(t, bad.Problems[0], "tier mismatch")
}

func TestHandleValidateEvent_MissingEvent(t *testing.T) {
	s := newTestServer(t, nil)
	result, err := s.handleValidateEvent(context.Background(), toolRequest("keiro_validate_event", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "event is required")
}

func TestHandleCheckLimits(t *testing.T) {
	s := newTestServer(t, nil)
	result, err := s.handleCheckLimits(context.Background(), toolRequest("keiro_check_limits", map[string]any{
		"limits": map[string]any{"max_credits": 100, "max_tool_calls": 1},
		"usage":  map[string]any{"credits_used": 120, "tool_calls_count": 5},
	}))
	require.NoError(t, err)

	res := decodeToolJSON[limits.Result](t, result)
	assert.True(t, res.Exceeded)
	// Credits are checked before tool calls.
	assert.Equal(t, "Credit limit exceeded: 120 >= 100", res.Reason)
}

// ---------- run tools ----------

func TestHandleStartRun_ValidatesInput(t *testing.T) {
	s := newTestServer(t, nil)
	result, err := s.handleStartRun(context.Background(), toolRequest("keiro_start_run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "subroutines is required")
}

func TestHandleGetRun(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a", "b")

	result, err := s.handleGetRun(ctx, toolRequest("keiro_get_run", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	run := decodeToolJSON[map[string]any](t, result)
	assert.Equal(t, runID, run["run_id"])
	instances, ok := run["instances"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, instances, 2)
	assert.Contains(t, instances, "a")
}

func TestHandleGetRun_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	result, err := s.handleGetRun(ctx, toolRequest("keiro_get_run", map[string]any{"run_id": "not-a-uuid"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invalid run_id")

	result, err = s.handleGetRun(ctx, toolRequest("keiro_get_run", map[string]any{"run_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestHandleDeliver(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a", "b")

	type report struct {
		Kind      string   `json:"kind"`
		Ref       string   `json:"ref"`
		Delivered []string `json:"delivered"`
		Missing   []string `json:"missing"`
	}

	result, err := s.handleDeliver(ctx, toolRequest("keiro_deliver", map[string]any{
		"run_id": runID, "kind": "signal", "ref": "sig-1",
	}))
	require.NoError(t, err)
	sig := decodeToolJSON[report](t, result)
	assert.Equal(t, []string{"a", "b"}, sig.Delivered)

	result, err = s.handleDeliver(ctx, toolRequest("keiro_deliver", map[string]any{
		"run_id": runID, "kind": "message", "ref": "msg-1", "targets": []any{"b", "zz"},
	}))
	require.NoError(t, err)
	msg := decodeToolJSON[report](t, result)
	assert.Equal(t, []string{"b"}, msg.Delivered)
	assert.Equal(t, []string{"zz"}, msg.Missing)

	result, err = s.handleDeliver(ctx, toolRequest("keiro_deliver", map[string]any{
		"run_id": runID, "kind": "error", "ref": "E42", "instance_id": "a",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, decodeToolJSON[report](t, result).Delivered)

	result, err = s.handleGetRun(ctx, toolRequest("keiro_get_run", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	run := decodeToolJSON[map[string]any](t, result)
	a := run["instances"].(map[string]any)["a"].(map[string]any)
	assert.Equal(t, []any{"signal:sig-1", "error:E42"}, a["recent_events"])
}

func TestHandleDeliver_UnknownKind(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a")

	result, err := s.handleDeliver(ctx, toolRequest("keiro_deliver", map[string]any{
		"run_id": runID, "kind": "carrier-pigeon", "ref": "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "unknown kind")
}

func TestHandleAdvance(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a")

	result, err := s.handleAdvance(ctx, toolRequest("keiro_advance", map[string]any{
		"run_id":           runID,
		"instance_id":      "a",
		"decision_context": "dispatch",
		"options":          []any{"notify", "skip"},
		"final":            true,
	}))
	require.NoError(t, err)
	res := decodeToolJSON[map[string]any](t, result)
	assert.Equal(t, false, res["deferred"])
	assert.Equal(t, []any{"notify"}, res["chosen"])
	assert.NotEmpty(t, res["decision_key"])

	steps, ok := res["steps"].([]any)
	require.True(t, ok)
	require.Len(t, steps, 1)
	step := steps[0].(map[string]any)
	assert.Equal(t, "completed", step["status"])
	assert.Equal(t, "deterministic", step["strategy"])

	a := res["run"].(map[string]any)["instances"].(map[string]any)["a"].(map[string]any)
	assert.Equal(t, "completed", a["status"])
}

func TestHandleAdvance_NoOptions(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a")

	result, err := s.handleAdvance(ctx, toolRequest("keiro_advance", map[string]any{
		"run_id":           runID,
		"instance_id":      "a",
		"decision_context": "dispatch",
		"options":          []any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleAdvance_ViewNudge(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := s.mcpServer.WithContext(context.Background(), newTestSession("sess-1"))
	runID := mustStartRun(t, s, context.Background(), "a", "b")

	advance := func(instance string) *mcplib.CallToolResult {
		result, err := s.handleAdvance(ctx, toolRequest("keiro_advance", map[string]any{
			"run_id":           runID,
			"instance_id":      instance,
			"decision_context": "dispatch",
			"options":          []any{"notify"},
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		return result
	}

	// Started without a session, so this session has never read the run.
	first := advance("a")
	require.Len(t, first.Content, 2, "expected advance result + nudge note")
	note, ok := first.Content[1].(mcplib.TextContent)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(note.Text, "NOTE"))
	assert.Contains(t, note.Text, "keiro_get_run")

	// The advance itself counts as a view.
	second := advance("b")
	assert.Len(t, second.Content, 1)
}

func TestHandleResolve_DeferredDecision(t *testing.T) {
	s := newTestServer(t, decision.Deferring{})
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a")

	args := map[string]any{
		"run_id":           runID,
		"instance_id":      "a",
		"decision_context": "approve",
		"options":          []any{"notify", "skip"},
	}
	result, err := s.handleAdvance(ctx, toolRequest("keiro_advance", args))
	require.NoError(t, err)
	res := decodeToolJSON[map[string]any](t, result)
	require.Equal(t, true, res["deferred"])
	key, ok := res["decision_key"].(string)
	require.True(t, ok)
	run := res["run"].(map[string]any)
	assert.EqualValues(t, 1, run["pending_decisions"])

	result, err = s.handleResolve(ctx, toolRequest("keiro_resolve", map[string]any{
		"run_id": runID, "key": key, "chosen": []any{"notify"},
	}))
	require.NoError(t, err)
	resolved := decodeToolJSON[map[string]any](t, result)
	assert.EqualValues(t, 0, resolved["pending_decisions"])

	// The recorded answer is reused by the next advance at the same point.
	result, err = s.handleAdvance(ctx, toolRequest("keiro_advance", args))
	require.NoError(t, err)
	again := decodeToolJSON[map[string]any](t, result)
	assert.Equal(t, false, again["deferred"])
	assert.Equal(t, []any{"notify"}, again["chosen"])
}

func TestHandleResolve_ChooseOneNeedsOneNode(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	runID := mustStartRun(t, s, ctx, "a")

	result, err := s.handleResolve(ctx, toolRequest("keiro_resolve", map[string]any{
		"run_id": runID, "key": "a.approve", "chosen": []any{"x", "y"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "exactly one")
}

// ---------- strategy tools ----------

func TestHandleStrategyMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	result, err := s.handleStrategyMetrics(ctx, toolRequest("keiro_strategy_metrics", map[string]any{}))
	require.NoError(t, err)
	all := decodeToolJSON[[]map[string]any](t, result)
	require.Len(t, all, 1)

	result, err = s.handleStrategyMetrics(ctx, toolRequest("keiro_strategy_metrics", map[string]any{"strategy": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleEstimate(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	result, err := s.handleEstimate(ctx, toolRequest("keiro_estimate", map[string]any{"routine_id": "notify"}))
	require.NoError(t, err)
	est := decodeToolJSON[model.CostEstimate](t, result)
	assert.EqualValues(t, 1, est.ToolCalls)

	result, err = s.handleEstimate(ctx, toolRequest("keiro_estimate", map[string]any{"routine_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
