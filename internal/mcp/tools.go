package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/service/runs"
	"github.com/ashita-ai/keiro/internal/storage"
)

func (s *Server) registerTools() {
	// keiro_event_types: list the event type registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_event_types",
			mcplib.WithDescription(`List the registered event types with their tier and category.

Filter by tier (coordination, process, execution, cross-cutting) or by category.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tier",
				mcplib.Description("Only list types of this tier"),
				mcplib.Enum(string(model.TierCoordination), string(model.TierProcess), string(model.TierExecution), string(model.TierCrossCutting)),
			),
			mcplib.WithString("category", mcplib.Description("Only list types of this category")),
		),
		s.handleEventTypes,
	)

	// keiro_validate_event: check an event against the registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_validate_event",
			mcplib.WithDescription("Validate an event envelope against the registry. Returns the list of problems, empty when valid."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithObject("event", mcplib.Description("The event envelope as JSON"), mcplib.Required()),
		),
		s.handleValidateEvent,
	)

	// keiro_check_limits: compare usage against limits.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_check_limits",
			mcplib.WithDescription(`Check resource usage against limits. Credits are checked first, then
elapsed time, then tool calls. Reports the first limit reached.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithObject("limits", mcplib.Description("max_credits, max_time_ms, max_tool_calls, max_reasoning_steps"), mcplib.Required()),
			mcplib.WithObject("usage", mcplib.Description("credits_used, time_elapsed_ms, tool_calls_count, reasoning_steps"), mcplib.Required()),
		),
		s.handleCheckLimits,
	)

	// keiro_start_run: create a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_start_run",
			mcplib.WithDescription(`Start a run with one subroutine context per instance.

Each instance runs a routine from the catalog. Optional limits bound every
step executed in the run.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("subroutines",
				mcplib.Description("List of {instance_id, routine_id, variables}"),
				mcplib.Required(),
			),
			mcplib.WithObject("limits", mcplib.Description("Run-wide resource limits")),
		),
		s.handleStartRun,
	)

	// keiro_get_run: read a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_get_run",
			mcplib.WithDescription("Read the current state of a run: instance statuses, recent runtime events, and the last step of each instance."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	// keiro_deliver: deliver an external event into a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_deliver",
			mcplib.WithDescription(`Deliver an external event into a run.

- message: delivered to targets, or to every instance when targets is empty
- signal: broadcast to every instance
- error, escalation: delivered to exactly one instance_id

The report lists the instances that received it and any that were missing.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
			mcplib.WithString("kind",
				mcplib.Description("What is being delivered"),
				mcplib.Enum("message", "signal", "error", "escalation"),
				mcplib.Required(),
			),
			mcplib.WithString("ref", mcplib.Description("Message ID, signal ID, error code, or escalation code"), mcplib.Required()),
			mcplib.WithArray("targets", mcplib.Description("Message targets"), mcplib.WithStringItems()),
			mcplib.WithString("instance_id", mcplib.Description("Target instance for error and escalation")),
		),
		s.handleDeliver,
	)

	// keiro_advance: decide and execute the next node(s) of a subroutine.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_advance",
			mcplib.WithDescription(`Advance a subroutine past a branch point.

The configured decision strategy picks among options; the decision is
recorded and reused on later calls with the same decision_context. Chosen
nodes run through the execution strategies. A deferred decision suspends the
subroutine until keiro_resolve answers it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
			mcplib.WithString("instance_id", mcplib.Description("Subroutine instance"), mcplib.Required()),
			mcplib.WithString("decision_context", mcplib.Description("Name of the branch point"), mcplib.Required()),
			mcplib.WithString("branch_id", mcplib.Description("Branch identifier; defaults to instance_id")),
			mcplib.WithArray("options", mcplib.Description("Candidate node IDs"), mcplib.WithStringItems(), mcplib.Required()),
			mcplib.WithBoolean("multiple", mcplib.Description("Choose any number of options instead of exactly one")),
			mcplib.WithObject("inputs", mcplib.Description("Inputs merged over the subroutine's variables")),
			mcplib.WithBoolean("final", mcplib.Description("This is the subroutine's last branch point")),
		),
		s.handleAdvance,
	)

	// keiro_resolve: answer a deferred decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_resolve",
			mcplib.WithDescription("Record the answer to a deferred decision. The next keiro_advance at that branch point uses it."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
			mcplib.WithString("key", mcplib.Description("Decision key, as reported by keiro_advance"), mcplib.Required()),
			mcplib.WithArray("chosen", mcplib.Description("Chosen node IDs"), mcplib.WithStringItems(), mcplib.Required()),
			mcplib.WithBoolean("multiple", mcplib.Description("The decision is a choose-multiple decision")),
		),
		s.handleResolve,
	)

	// keiro_strategy_metrics: performance of execution strategies.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_strategy_metrics",
			mcplib.WithDescription("Report success rate, cost, duration, trends and advice for execution strategies. Omit strategy to list all."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("strategy", mcplib.Description("Strategy name")),
		),
		s.handleStrategyMetrics,
	)

	// keiro_estimate: pre-flight cost estimate for a routine.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiro_estimate",
			mcplib.WithDescription("Estimate what running a catalog routine would cost, using the strategy that would run it."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("routine_id", mcplib.Description("Catalog routine ID"), mcplib.Required()),
			mcplib.WithObject("limits", mcplib.Description("Limits the step would run under")),
		),
		s.handleEstimate,
	)
}

func (s *Server) handleEventTypes(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if tier := request.GetString("tier", ""); tier != "" {
		t := model.Tier(tier)
		if !t.Valid() {
			return errorResult("unknown tier: " + tier), nil
		}
		return jsonResult(s.registry.ByTier(t)), nil
	}
	if category := request.GetString("category", ""); category != "" {
		return jsonResult(s.registry.ByCategory(model.EventCategory(category))), nil
	}
	return jsonResult(s.registry.All()), nil
}

func (s *Server) handleValidateEvent(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var e model.Event
	if err := decodeArg(request, "event", &e, true); err != nil {
		return errorResult(err.Error()), nil
	}
	problems := s.registry.Validate(e)
	if problems == nil {
		problems = []string{}
	}
	return jsonResult(model.ValidateEventResponse{Valid: len(problems) == 0, Problems: problems}), nil
}

func (s *Server) handleCheckLimits(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var (
		l model.ResourceLimits
		u model.ResourceUsage
	)
	if err := decodeArg(request, "limits", &l, true); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := decodeArg(request, "usage", &u, true); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(limits.Check(l, u)), nil
}

func (s *Server) handleStartRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var in runs.StartInput
	if err := decodeArg(request, "subroutines", &in.Subroutines, true); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := decodeArg(request, "limits", &in.Limits, false); err != nil {
		return errorResult(err.Error()), nil
	}
	run, err := s.runs.Start(ctx, in)
	if err != nil {
		return serviceError("start run", err), nil
	}
	s.viewTracker.Record(sessionID(ctx), run.RunID.String())
	return jsonResult(compactRun(run)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, errRes := runIDArg(request)
	if errRes != nil {
		return errRes, nil
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return serviceError("get run", err), nil
	}
	s.viewTracker.Record(sessionID(ctx), runID.String())
	return jsonResult(compactRun(run)), nil
}

func (s *Server) handleDeliver(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, errRes := runIDArg(request)
	if errRes != nil {
		return errRes, nil
	}
	ref := request.GetString("ref", "")
	instanceID := request.GetString("instance_id", "")

	var err error
	var report any
	switch kind := request.GetString("kind", ""); kind {
	case "message":
		report, err = s.runs.DeliverMessage(ctx, runID, ref, request.GetStringSlice("targets", nil))
	case "signal":
		report, err = s.runs.DeliverSignal(ctx, runID, ref)
	case "error":
		report, err = s.runs.DeliverError(ctx, runID, ref, instanceID)
	case "escalation":
		report, err = s.runs.DeliverEscalation(ctx, runID, ref, instanceID)
	default:
		return errorResult(fmt.Sprintf("unknown kind %q: want message, signal, error or escalation", kind)), nil
	}
	if err != nil {
		return serviceError("deliver", err), nil
	}
	return jsonResult(report), nil
}

func (s *Server) handleAdvance(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, errRes := runIDArg(request)
	if errRes != nil {
		return errRes, nil
	}
	in := runs.AdvanceInput{
		InstanceID:      request.GetString("instance_id", ""),
		BranchID:        request.GetString("branch_id", ""),
		DecisionContext: request.GetString("decision_context", ""),
		Multiple:        request.GetBool("multiple", false),
		Final:           request.GetBool("final", false),
	}
	for _, id := range request.GetStringSlice("options", nil) {
		in.Options = append(in.Options, model.NodeOption{NodeID: id})
	}
	if err := decodeArg(request, "inputs", &in.Inputs, false); err != nil {
		return errorResult(err.Error()), nil
	}

	res, err := s.runs.Advance(ctx, runID, in)
	if err != nil {
		return serviceError("advance", err), nil
	}

	contents := []mcplib.Content{jsonResult(compactAdvance(res)).Content[0]}

	// Nudge: the call still succeeds, but advancing a run the caller has not
	// read acts on a stale picture of it.
	if sid := sessionID(ctx); sid != "" && !s.viewTracker.WasViewed(sid, runID.String()) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: keiro_get_run was not called for this run recently. " +
				"Reading the run first shows pending deliveries and deferred decisions.",
		})
	}
	s.viewTracker.Record(sessionID(ctx), runID.String())
	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, errRes := runIDArg(request)
	if errRes != nil {
		return errRes, nil
	}
	typ := model.ChooseOne
	if request.GetBool("multiple", false) {
		typ = model.ChooseMultiple
	}
	chosen := request.GetStringSlice("chosen", nil)
	if typ == model.ChooseOne && len(chosen) != 1 {
		return errorResult("a choose-one decision needs exactly one chosen node"), nil
	}
	run, err := s.runs.Resolve(ctx, runID, model.ResolvedDecision{
		Type:        typ,
		DecisionKey: request.GetString("key", ""),
		Result:      chosen,
	})
	if err != nil {
		return serviceError("resolve", err), nil
	}
	return jsonResult(compactRun(run)), nil
}

func (s *Server) handleStrategyMetrics(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("strategy", "")
	if name == "" {
		return jsonResult(s.runs.AllStrategyMetrics()), nil
	}
	report, err := s.runs.StrategyMetrics(name)
	if err != nil {
		return serviceError("strategy metrics", err), nil
	}
	return jsonResult(report), nil
}

func (s *Server) handleEstimate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var l model.ResourceLimits
	if err := decodeArg(request, "limits", &l, false); err != nil {
		return errorResult(err.Error()), nil
	}
	est, err := s.runs.EstimateCost(ctx, request.GetString("routine_id", ""), l)
	if err != nil {
		return serviceError("estimate", err), nil
	}
	return jsonResult(est), nil
}

// --- argument helpers ---

// decodeArg converts a structured argument into target through JSON.
func decodeArg(request mcplib.CallToolRequest, key string, target any, required bool) error {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func runIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("invalid run_id: " + raw)
	}
	return id, nil
}

// serviceError renders a service error for the agent. Error text is safe to
// show: the run service wraps storage errors with its own context.
func serviceError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(op + ": run not found")
	case errors.Is(err, decision.ErrNoValidNextNodes):
		return errorResult(op + ": no valid next nodes")
	default:
		return errorResult(fmt.Sprintf("%s failed: %v", op, err))
	}
}

func sessionID(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}
