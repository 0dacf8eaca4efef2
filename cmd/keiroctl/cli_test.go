package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/delivery"
	"github.com/ashita-ai/keiro/internal/integrity"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("keiroctl"), kongVars())
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

// execute parses and runs a command against db, returning stdout.
func execute(t *testing.T, db, stdin string, args ...string) (string, error) {
	t.Helper()
	cli, kctx := parse(t, append([]string{"--db", db}, args...)...)
	var out bytes.Buffer
	rt := &runtime{
		ctx:    context.Background(),
		in:     strings.NewReader(stdin),
		out:    &out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	err := kctx.Run(&cli.Globals, rt)
	return out.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keiro.db")
}

func TestCLI_ParseStartRun(t *testing.T) {
	cli, kctx := parse(t, "start-run", "-i", "a=notify", "-i", "b=review", "--limits", `{"max_credits":10}`)
	assert.Equal(t, "start-run", kctx.Command())
	assert.Equal(t, map[string]string{"a": "notify", "b": "review"}, cli.StartRun.Instance)
	assert.Equal(t, "keiro.db", cli.DB)
}

func TestCLI_ParseDeliver(t *testing.T) {
	cli, kctx := parse(t, "deliver", "message", "8b0e3c52-5f7e-4d57-9a43-54f8c5e0e3a1", "msg-1", "-t", "a", "-t", "b")
	assert.True(t, strings.HasPrefix(kctx.Command(), "deliver message"), kctx.Command())
	assert.Equal(t, "msg-1", cli.Deliver.Message.MessageID)
	assert.Equal(t, []string{"a", "b"}, cli.Deliver.Message.Target)

	cli, kctx = parse(t, "deliver", "escalation", "8b0e3c52-5f7e-4d57-9a43-54f8c5e0e3a1", "E_HUMAN", "-i", "a")
	assert.True(t, strings.HasPrefix(kctx.Command(), "deliver escalation"), kctx.Command())
	assert.Equal(t, "a", cli.Deliver.Escalation.Instance)
}

func TestCLI_StartRunRequiresInstance(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("keiroctl"), kongVars())
	require.NoError(t, err)
	_, err = parser.Parse([]string{"start-run"})
	assert.Error(t, err)
}

func TestEventTypes_FilterByTier(t *testing.T) {
	out, err := execute(t, tempDB(t), "", "event-types", "--tier", "3")
	require.NoError(t, err)

	var types []model.EventTypeMetadata
	require.NoError(t, json.Unmarshal([]byte(out), &types))
	require.NotEmpty(t, types)
	for _, m := range types {
		assert.Equal(t, model.TierExecution, m.Tier, m.Type)
	}

	_, err = execute(t, tempDB(t), "", "event-types", "--tier", "9")
	assert.ErrorContains(t, err, "unknown tier")
}

func TestEventTypes_ExtensionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "types.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`event_types:
  - type: billing.invoiced
    category: management
    tier: cross-cutting
    description: An invoice was issued.
`), 0o600))

	out, err := execute(t, tempDB(t), "", "--event-types-file", path, "event-types", "--category", "management")
	require.NoError(t, err)
	assert.Contains(t, out, "billing.invoiced")
}

func TestValidateEvent(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, db, `{"type":"run.started","source":{"tier":"2","component":"runs"}}`, "validate-event", "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	out, err = execute(t, db, "", "validate-event", `{"type":"run.started","source":{"tier":"3"}}`)
	assert.ErrorIs(t, err, errInvalidEvent)
	assert.Contains(t, out, "tier mismatch")

	_, err = execute(t, db, "", "validate-event", "{not json")
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestCheckLimits(t *testing.T) {
	out, err := execute(t, tempDB(t), "", "check-limits", `{"max_credits":100}`, `{"credits_used":120}`)
	require.NoError(t, err)

	var res limits.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Exceeded)
	assert.Equal(t, "Credit limit exceeded: 120 >= 100", res.Reason)

	out, err = execute(t, tempDB(t), "", "check-limits", `{"max_reasoning_steps":2}`, `{"reasoning_steps":2}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, limits.ResourceReasoningSteps, res.Resource)
}

func TestMergeLimits(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "parent.json")
	require.NoError(t, os.WriteFile(parent, []byte(`{"step_id":"p","limits":{"max_credits":50,"strict_limits":true}}`), 0o600))

	out, err := execute(t, tempDB(t), "", "merge-limits", "@"+parent, `{"step_id":"c","limits":{"max_credits":80,"max_tool_calls":3}}`)
	require.NoError(t, err)

	var merged model.ExecutionContext
	require.NoError(t, json.Unmarshal([]byte(out), &merged))
	assert.Equal(t, "c", merged.StepID)
	require.NotNil(t, merged.Limits.MaxCredits)
	assert.Equal(t, int64(50), *merged.Limits.MaxCredits)
	require.NotNil(t, merged.Limits.MaxToolCalls)
	assert.Equal(t, int64(3), *merged.Limits.MaxToolCalls)
	assert.True(t, merged.Limits.StrictLimits)
}

func TestRunLifecycle(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, db, "", "start-run", "-i", "a=notify", "-i", "b=notify")
	require.NoError(t, err)
	var run model.RunProgress
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	require.Len(t, run.Subcontexts, 2)
	runID := run.RunID.String()

	out, err = execute(t, db, "", "deliver", "signal", runID, "sig-1")
	require.NoError(t, err)
	var report delivery.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"a", "b"}, report.Delivered)

	out, err = execute(t, db, "", "deliver", "message", runID, "msg-1", "-t", "a", "-t", "ghost")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"a"}, report.Delivered)
	assert.Equal(t, []string{"ghost"}, report.Missing)

	_, err = execute(t, db, "", "deliver", "error", runID, "E42", "-i", "b")
	require.NoError(t, err)

	out, err = execute(t, db, "", "show-run", runID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	signals := run.Subcontexts["a"].EventsOfKind(model.RuntimeSignal)
	require.Len(t, signals, 1)
	assert.Equal(t, "sig-1", signals[0].Ref)
	assert.Empty(t, run.Subcontexts["a"].EventsOfKind(model.RuntimeError))
	errs := run.Subcontexts["b"].EventsOfKind(model.RuntimeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "E42", errs[0].Ref)

	out, err = execute(t, db, "", "events", runID, "--type", "run.started")
	require.NoError(t, err)
	var evs []model.Event
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, runID, evs[0].CorrelationID)
}

func TestDigest(t *testing.T) {
	db := tempDB(t)
	out, err := execute(t, db, "", "start-run", "-i", "a=notify")
	require.NoError(t, err)
	var run model.RunProgress
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	runID := run.RunID.String()

	out, err = execute(t, db, "", "digest", runID)
	require.NoError(t, err)
	var digest integrity.Digest
	require.NoError(t, json.Unmarshal([]byte(out), &digest))
	assert.Equal(t, run.RunID, digest.RunID)
	assert.Zero(t, digest.Decisions)

	_, err = execute(t, db, "", "digest", runID, "--expect", "deadbeef")
	assert.ErrorIs(t, err, errDigestMismatch)
}

func TestShowRun_Errors(t *testing.T) {
	_, err := execute(t, tempDB(t), "", "show-run", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid run ID")

	_, err = execute(t, tempDB(t), "", "show-run", "8b0e3c52-5f7e-4d57-9a43-54f8c5e0e3a1")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, tempDB(t), "", "version")
	require.NoError(t, err)
	assert.Equal(t, "keiroctl version dev\n", out)
}
