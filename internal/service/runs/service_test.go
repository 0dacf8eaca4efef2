package runs

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/delivery"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/storage"
	"github.com/ashita-ai/keiro/internal/storage/sqlite"
	"github.com/ashita-ai/keiro/internal/strategy"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// echoTools returns each call's input as its output.
type echoTools struct{ calls atomic.Int64 }

func (t *echoTools) RunTool(_ context.Context, call model.ToolCall) (strategy.ToolResult, error) {
	t.calls.Add(1)
	return strategy.ToolResult{Output: call.Input, Credits: 1}, nil
}

type fixture struct {
	svc   *Service
	rec   *recorder
	tools *echoTools
}

func newFixture(t *testing.T, decisions decision.Strategy, catalog StaticCatalog) fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recorder{}
	tools := &echoTools{}
	coord := strategy.NewCoordinator(strategy.CoordinatorConfig{
		Strategies: strategy.NewRegistry("deterministic", strategy.Deterministic{}),
		Backends:   strategy.Backends{Tools: tools},
		Emitter:    rec,
		Logger:     quietLogger(),
	})
	svc := New(Config{
		Store:       store,
		Catalog:     catalog,
		Coordinator: coord,
		Decisions:   decisions,
		Emitter:     rec,
		Logger:      quietLogger(),
		MaxParallel: 2,
	})
	return fixture{svc: svc, rec: rec, tools: tools}
}

func startRun(t *testing.T, svc *Service, instances ...string) *model.RunProgress {
	t.Helper()
	in := StartInput{}
	for _, id := range instances {
		in.Subroutines = append(in.Subroutines, model.SubroutineInput{InstanceID: id, RoutineID: "main"})
	}
	run, err := svc.Start(context.Background(), in)
	require.NoError(t, err)
	return run
}

func options(ids ...string) []model.NodeOption {
	out := make([]model.NodeOption, len(ids))
	for i, id := range ids {
		out[i] = model.NodeOption{NodeID: id}
	}
	return out
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Start(ctx, StartInput{Subroutines: []model.SubroutineInput{{InstanceID: "a"}, {InstanceID: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	id := uuid.New()
	run, err := f.svc.Start(ctx, StartInput{RunID: &id, Subroutines: []model.SubroutineInput{{InstanceID: "a"}}})
	require.NoError(t, err)
	assert.Equal(t, id, run.RunID)

	_, err = f.svc.Start(ctx, StartInput{RunID: &id, Subroutines: []model.SubroutineInput{{InstanceID: "a"}}})
	assert.ErrorIs(t, err, storage.ErrConflict)

	assert.Contains(t, f.rec.types(), "run.started")
}

func TestDeliver_BroadcastAndTargeted(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	run := startRun(t, f.svc, "a", "b")

	rep, err := f.svc.DeliverMessage(ctx, run.RunID, "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rep.Delivered)

	rep, err = f.svc.DeliverMessage(ctx, run.RunID, "m2", []string{"b", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rep.Delivered)
	assert.Equal(t, []string{"ghost"}, rep.Missing)

	_, err = f.svc.DeliverSignal(ctx, run.RunID, "go")
	require.NoError(t, err)
	_, err = f.svc.DeliverError(ctx, run.RunID, "E42", "a")
	require.NoError(t, err)
	_, err = f.svc.DeliverEscalation(ctx, run.RunID, "ESC", "b")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	a, b := got.Subcontexts["a"], got.Subcontexts["b"]
	assert.Len(t, a.EventsOfKind(model.RuntimeMessage), 1)
	assert.Len(t, b.EventsOfKind(model.RuntimeMessage), 2)
	assert.Len(t, a.EventsOfKind(model.RuntimeSignal), 1)
	assert.Len(t, b.EventsOfKind(model.RuntimeSignal), 1)
	assert.Len(t, a.EventsOfKind(model.RuntimeError), 1)
	assert.Empty(t, b.EventsOfKind(model.RuntimeError))
	assert.Len(t, b.EventsOfKind(model.RuntimeEscalation), 1)
	assert.Equal(t, int64(5), got.Version)
}

func TestDeliver_EventsCarryRunCorrelation(t *testing.T) {
	f := newFixture(t, nil, nil)
	run := startRun(t, f.svc, "a")

	_, err := f.svc.DeliverSignal(context.Background(), run.RunID, "go")
	require.NoError(t, err)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	require.NotEmpty(t, f.rec.events)
	for _, e := range f.rec.events {
		assert.Equal(t, run.RunID.String(), e.CorrelationID, e.Type)
	}
}

func TestDeliver_UnknownRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.DeliverSignal(context.Background(), uuid.New(), "go")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.rec.types(), "nothing is published for a failed update")
}

func TestDeliver_EmptyBatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	run := startRun(t, f.svc, "a")
	_, err := f.svc.Deliver(context.Background(), run.RunID, delivery.Batch{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeliver_ConcurrentWritersLoseNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	run := startRun(t, f.svc, "a", "b")

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.DeliverSignal(context.Background(), run.RunID, "sig-"+string(rune('a'+i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Len(t, got.Subcontexts["a"].RuntimeEvents, 10)
	assert.Len(t, got.Subcontexts["b"].RuntimeEvents, 10)
}

var testCatalog = StaticCatalog{
	"fetch": {
		ID:             "fetch",
		RequiredInputs: []string{"url"},
		Steps:          []model.ToolCall{{Tool: "http_get", Input: map[string]any{"url": "$url"}, Output: "page"}},
	},
	"notify": {
		ID:    "notify",
		Steps: []model.ToolCall{{Tool: "send", Input: map[string]any{"to": "ops"}}},
	},
}

func TestAdvance_PickFirstRunsNode(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	ctx := context.Background()
	run := startRun(t, f.svc, "a")

	res, err := f.svc.Advance(ctx, run.RunID, AdvanceInput{
		InstanceID:      "a",
		DecisionContext: "next",
		Options:         options("fetch", "notify"),
		Inputs:          map[string]any{"url": "https://example.com"},
		Final:           true,
	})
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "fetch", res.Steps[0].NodeID)
	assert.Equal(t, model.ExecCompleted, res.Steps[0].Status, res.Steps[0].Reason)
	assert.Equal(t, "deterministic", res.Steps[0].Strategy)

	sub := res.Run.Subcontexts["a"]
	assert.Equal(t, model.SubroutineCompleted, sub.Status)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, sub.Variables["page"])
	assert.Contains(t, f.rec.types(), "run.completed")

	d, ok := res.Run.Decision("a.next")
	require.True(t, ok)
	assert.Equal(t, []string{"fetch"}, d.(model.ResolvedDecision).Result)
}

func TestAdvance_ResolvedDecisionIsReused(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	ctx := context.Background()
	run := startRun(t, f.svc, "a")

	in := AdvanceInput{InstanceID: "a", DecisionContext: "next", Options: options("notify", "fetch")}
	_, err := f.svc.Advance(ctx, run.RunID, in)
	require.NoError(t, err)

	in.Options = options("fetch", "notify")
	res, err := f.svc.Advance(ctx, run.RunID, in)
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "notify", res.Steps[0].NodeID, "the recorded choice wins over the new option order")
	assert.Contains(t, f.rec.types(), "decision.reused")
}

func TestAdvance_DeferredSuspendsThenResolveResumes(t *testing.T) {
	f := newFixture(t, decision.Deferring{}, testCatalog)
	ctx := context.Background()
	run := startRun(t, f.svc, "a")

	in := AdvanceInput{InstanceID: "a", DecisionContext: "approval", Options: options("notify", "fetch")}
	res, err := f.svc.Advance(ctx, run.RunID, in)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Empty(t, res.Steps)
	assert.Equal(t, model.SubroutineWaiting, res.Run.Subcontexts["a"].Status)
	assert.Zero(t, f.tools.calls.Load())
	assert.Contains(t, f.rec.types(), "branch.suspended")

	_, err = f.svc.Resolve(ctx, run.RunID, model.ResolvedDecision{Type: model.ChooseOne, DecisionKey: "a.approval", Result: []string{"notify"}})
	require.NoError(t, err)

	res, err = f.svc.Advance(ctx, run.RunID, in)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, model.ExecCompleted, res.Steps[0].Status)
	assert.Equal(t, model.SubroutineActive, res.Run.Subcontexts["a"].Status)
	assert.Contains(t, f.rec.types(), "branch.resumed")
}

func TestAdvance_MultipleRunsInParallel(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	ctx := context.Background()
	run := startRun(t, f.svc, "a")

	opts := []model.NodeOption{
		{NodeID: "n1", Meta: map[string]any{RoutineMetaKey: "notify"}},
		{NodeID: "n2", Meta: map[string]any{RoutineMetaKey: "notify"}},
		{NodeID: "n3", Meta: map[string]any{RoutineMetaKey: "notify"}},
	}
	res, err := f.svc.Advance(ctx, run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "fanout", Options: opts, Multiple: true})
	require.NoError(t, err)
	require.Len(t, res.Steps, 3)
	for i, r := range res.Steps {
		assert.Equal(t, opts[i].NodeID, r.NodeID, "records keep decision order")
		assert.Equal(t, model.ExecCompleted, r.Status)
	}
	assert.Equal(t, int64(3), f.tools.calls.Load())
	assert.Len(t, res.Run.Subcontexts["a"].Results, 3)
}

func TestAdvance_MissingInputsWait(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	run := startRun(t, f.svc, "a")

	res, err := f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "next", Options: options("fetch")})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, model.ExecPendingInput, res.Steps[0].Status)
	assert.Equal(t, model.SubroutineWaiting, res.Run.Subcontexts["a"].Status)
}

func TestAdvance_UnknownRoutineFailsStep(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	run := startRun(t, f.svc, "a")

	res, err := f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "next", Options: options("nope")})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, model.ExecFailed, res.Steps[0].Status)
	assert.True(t, strings.Contains(res.Steps[0].Reason, "routine not found"))
	assert.Equal(t, model.SubroutineFailed, res.Run.Subcontexts["a"].Status)
	assert.Contains(t, f.rec.types(), "run.failed")
}

func TestAdvance_NoOptions(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	run := startRun(t, f.svc, "a")

	_, err := f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "next"})
	assert.ErrorIs(t, err, decision.ErrNoValidNextNodes)

	got, err := f.svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Empty(t, got.Decisions, "failed decisions are not recorded")
}

func TestAdvance_UnknownInstance(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	run := startRun(t, f.svc, "a")
	_, err := f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "zz", DecisionContext: "next", Options: options("notify")})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestAdvance_RunLimitsBoundSteps(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	one := int64(1)
	run, err := f.svc.Start(context.Background(), StartInput{
		Subroutines: []model.SubroutineInput{{InstanceID: "a"}},
		Limits:      model.ResourceLimits{MaxCredits: &one},
	})
	require.NoError(t, err)

	catalog := f.svc.catalog.(StaticCatalog)
	catalog["double"] = model.Routine{ID: "double", Steps: []model.ToolCall{{Tool: "x"}, {Tool: "y"}}}

	res, err := f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "next", Options: options("double")})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, model.ExecLimitExceeded, res.Steps[0].Status)
	assert.Equal(t, "Credit limit exceeded: 1 >= 1", res.Steps[0].Reason)
}

func TestStrategyMetrics(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, testCatalog)
	run := startRun(t, f.svc, "a")

	rep, err := f.svc.StrategyMetrics("deterministic")
	require.NoError(t, err)
	assert.Zero(t, rep.Metrics.Total)

	_, err = f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "next", Options: options("notify")})
	require.NoError(t, err)

	rep, err = f.svc.StrategyMetrics("deterministic")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Metrics.Total)
	assert.Equal(t, 1.0, rep.Metrics.SuccessRate)

	_, err = f.svc.StrategyMetrics("nope")
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)

	assert.Len(t, f.svc.AllStrategyMetrics(), 1)
}

func TestEstimateCost(t *testing.T) {
	f := newFixture(t, nil, testCatalog)
	est, err := f.svc.EstimateCost(context.Background(), "fetch", model.ResourceLimits{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), est.ToolCalls)

	_, err = f.svc.EstimateCost(context.Background(), "nope", model.ResourceLimits{})
	assert.ErrorIs(t, err, ErrRoutineNotFound)
}

func TestLoadCatalogYAML(t *testing.T) {
	c, err := LoadCatalogYAML(strings.NewReader(`
routines:
  - id: summarize
    strategy: deterministic
    required_inputs: [url]
    limits:
      max_credits: 10
    steps:
      - tool: fetch
        input: {url: $url}
        output: page
`))
	require.NoError(t, err)
	r, err := c.Routine(context.Background(), "summarize")
	require.NoError(t, err)
	assert.Equal(t, "deterministic", r.Strategy)
	require.NotNil(t, r.Limits.MaxCredits)
	assert.Equal(t, int64(10), *r.Limits.MaxCredits)
	assert.Equal(t, "$url", r.Steps[0].Input["url"])

	_, err = LoadCatalogYAML(strings.NewReader("routines:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)
}

func TestEvents_ListsPersistedRunEvents(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	svc := New(Config{Store: store, Emitter: publisherInto(store), Logger: quietLogger()})
	run, err := svc.Start(context.Background(), StartInput{Subroutines: []model.SubroutineInput{{InstanceID: "a"}}})
	require.NoError(t, err)
	_, err = svc.DeliverSignal(context.Background(), run.RunID, "go")
	require.NoError(t, err)

	evs, err := svc.Events(context.Background(), run.RunID, "", 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, "run.started", evs[0].Type)
}

// publisherInto writes every event straight to the store.
func publisherInto(store *sqlite.Store) emitterFunc {
	return func(ctx context.Context, e model.Event) {
		_, _ = store.InsertEvents(ctx, []model.Event{e})
	}
}

type emitterFunc func(ctx context.Context, e model.Event)

func (f emitterFunc) Publish(ctx context.Context, e model.Event) { f(ctx, e) }


func TestStart_StrictLimitsDefault(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.svc.strict = true

	run := startRun(t, f.svc, "a")
	assert.True(t, run.Limits.StrictLimits)

	got, err := f.svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.True(t, got.Limits.StrictLimits)
}

func budgetCatalog() StaticCatalog {
	return StaticCatalog{
		"double": {ID: "double", Steps: []model.ToolCall{{Tool: "x"}, {Tool: "y"}}},
		"notify": {ID: "notify", Steps: []model.ToolCall{{Tool: "send"}}},
	}
}

func startWithLimits(t *testing.T, svc *Service, l model.ResourceLimits) *model.RunProgress {
	t.Helper()
	run, err := svc.Start(context.Background(), StartInput{
		Subroutines: []model.SubroutineInput{{InstanceID: "a"}},
		Limits:      l,
	})
	require.NoError(t, err)
	return run
}

func TestAdvance_RunBudgetIsChargedAcrossAdvances(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, budgetCatalog())
	ctx := context.Background()
	two := int64(2)
	run := startWithLimits(t, f.svc, model.ResourceLimits{MaxCredits: &two})

	res, err := f.svc.Advance(ctx, run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "s1", Options: options("double")})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, model.ExecCompleted, res.Steps[0].Status, res.Steps[0].Reason)
	assert.Equal(t, int64(2), res.Run.Usage.CreditsUsed)

	for _, dc := range []string{"s2", "s3"} {
		res, err = f.svc.Advance(ctx, run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: dc, Options: options("double")})
		require.NoError(t, err)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, model.ExecLimitExceeded, res.Steps[0].Status)
		assert.Equal(t, "Credit limit exceeded: 0 >= 0", res.Steps[0].Reason)
		assert.Zero(t, res.Steps[0].Usage.CreditsUsed)
	}

	opts := []model.NodeOption{
		{NodeID: "n1", Meta: map[string]any{RoutineMetaKey: "double"}},
		{NodeID: "n2", Meta: map[string]any{RoutineMetaKey: "double"}},
		{NodeID: "n3", Meta: map[string]any{RoutineMetaKey: "double"}},
	}
	res, err = f.svc.Advance(ctx, run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "fanout", Options: opts, Multiple: true})
	require.NoError(t, err)
	require.Len(t, res.Steps, 3)
	for _, r := range res.Steps {
		assert.Equal(t, model.ExecLimitExceeded, r.Status)
	}

	assert.Equal(t, int64(2), f.tools.calls.Load())
	got, err := f.svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Usage.CreditsUsed)
	assert.Equal(t, int64(2), got.Usage.ToolCallsCount)
	assert.LessOrEqual(t, got.Usage.CreditsUsed, *got.Limits.MaxCredits)
}

func TestAdvance_FanOutSplitsRemainingBudget(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, budgetCatalog())
	ctx := context.Background()
	two := int64(2)
	run := startWithLimits(t, f.svc, model.ResourceLimits{MaxCredits: &two})

	opts := []model.NodeOption{
		{NodeID: "n1", Meta: map[string]any{RoutineMetaKey: "notify"}},
		{NodeID: "n2", Meta: map[string]any{RoutineMetaKey: "notify"}},
		{NodeID: "n3", Meta: map[string]any{RoutineMetaKey: "notify"}},
	}
	res, err := f.svc.Advance(ctx, run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "fanout", Options: opts, Multiple: true})
	require.NoError(t, err)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, model.ExecCompleted, res.Steps[0].Status, res.Steps[0].Reason)
	assert.Equal(t, model.ExecCompleted, res.Steps[1].Status, res.Steps[1].Reason)
	assert.Equal(t, model.ExecLimitExceeded, res.Steps[2].Status, "the last node gets no share")

	assert.Equal(t, int64(2), f.tools.calls.Load())
	assert.Equal(t, int64(2), res.Run.Usage.CreditsUsed)
	assert.Equal(t, int64(2), res.Run.Usage.ToolCallsCount)
}

func TestAdvance_LimitStopIsNotAFailure(t *testing.T) {
	f := newFixture(t, decision.PickFirst{}, budgetCatalog())
	one := int64(1)
	run := startWithLimits(t, f.svc, model.ResourceLimits{MaxToolCalls: &one})

	res, err := f.svc.Advance(context.Background(), run.RunID, AdvanceInput{InstanceID: "a", DecisionContext: "next", Options: options("double")})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, model.ExecLimitExceeded, res.Steps[0].Status)
	assert.Equal(t, "Tool call limit exceeded: 1 >= 1", res.Steps[0].Reason)
	assert.Equal(t, model.SubroutineLimitExceeded, res.Run.Subcontexts["a"].Status)
	assert.Equal(t, int64(1), res.Run.Usage.ToolCallsCount)

	types := f.rec.types()
	assert.Contains(t, types, "step.limit_exceeded")
	assert.Contains(t, types, "run.limit_exceeded")
	assert.NotContains(t, types, "step.failed")
	assert.NotContains(t, types, "run.failed")

	rep, err := f.svc.StrategyMetrics("deterministic")
	require.NoError(t, err)
	assert.Zero(t, rep.Metrics.Total, "budget stops are not strategy failures")
}

func TestApplyResults_StatusPrecedence(t *testing.T) {
	rec := func(s model.ExecutionStatus) model.StepRecord { return model.StepRecord{Status: s} }

	sub := &model.SubroutineContext{}
	applyResults(sub, []model.StepRecord{rec(model.ExecPendingInput), rec(model.ExecLimitExceeded)}, false)
	assert.Equal(t, model.SubroutineLimitExceeded, sub.Status)

	sub = &model.SubroutineContext{}
	applyResults(sub, []model.StepRecord{rec(model.ExecLimitExceeded), rec(model.ExecFailed)}, true)
	assert.Equal(t, model.SubroutineFailed, sub.Status)

	sub = &model.SubroutineContext{}
	applyResults(sub, []model.StepRecord{{Status: model.ExecLimitExceeded, Outputs: map[string]any{"x": 1}}}, true)
	assert.Equal(t, model.SubroutineLimitExceeded, sub.Status)
	assert.Equal(t, 1, sub.Variables["x"], "partial outputs are kept")
}

func TestCharge_ParallelBatchCostsSlowestStep(t *testing.T) {
	got := charge(model.ResourceUsage{CreditsUsed: 1, TimeElapsedMs: 100}, []model.StepRecord{
		{Usage: model.ResourceUsage{CreditsUsed: 2, TimeElapsedMs: 30, ToolCallsCount: 1}},
		{Usage: model.ResourceUsage{CreditsUsed: 3, TimeElapsedMs: 50, ToolCallsCount: 2, ReasoningSteps: 1}},
	})
	assert.Equal(t, model.ResourceUsage{CreditsUsed: 6, TimeElapsedMs: 150, ToolCallsCount: 3, ReasoningSteps: 1}, got)
}

func TestResolve_RejectsMalformedDecisions(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	run := startRun(t, f.svc, "a")

	bad := map[string]model.Decision{
		"unknown type":          model.ResolvedDecision{Type: "pickSome", DecisionKey: "a.x", Result: []string{"n1"}},
		"chooseOne two nodes":   model.ResolvedDecision{Type: model.ChooseOne, DecisionKey: "a.x", Result: []string{"n1", "n2"}},
		"chooseOne no nodes":    model.ResolvedDecision{Type: model.ChooseOne, DecisionKey: "a.x", Result: []string{}},
		"resolved nil result":   model.ResolvedDecision{Type: model.ChooseMultiple, DecisionKey: "a.x"},
		"deferred unknown type": model.DeferredDecision{Type: "", DecisionKey: "a.x"},
		"missing key":           model.ResolvedDecision{Type: model.ChooseOne, Result: []string{"n1"}},
	}
	for name, d := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Resolve(ctx, run.RunID, d)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	got, err := f.svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Empty(t, got.Decisions)

	_, err = f.svc.Resolve(ctx, run.RunID,
		model.ResolvedDecision{Type: model.ChooseMultiple, DecisionKey: "a.y", Result: []string{"n1", "n2"}},
		model.DeferredDecision{Type: model.ChooseOne, DecisionKey: "a.z"},
	)
	require.NoError(t, err)
}
