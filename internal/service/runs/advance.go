package runs

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/strategy"
)

// RoutineMetaKey is the node option metadata key naming the routine a node
// runs. Without it the node id is the routine id.
const RoutineMetaKey = "routine_id"

// AdvanceInput describes one branch point of a subroutine.
type AdvanceInput struct {
	InstanceID      string
	BranchID        string
	DecisionContext string
	Options         []model.NodeOption
	Multiple        bool
	// Inputs are merged over the subroutine's variables for every chosen node.
	Inputs map[string]any
	Tools  []string
	// Final marks the branch as the subroutine's last. When every chosen node
	// completes the subroutine completes too.
	Final bool
}

// AdvanceResult is what Advance did.
type AdvanceResult struct {
	Decision model.Decision     `json:"decision"`
	Deferred bool               `json:"deferred"`
	Steps    []model.StepRecord `json:"steps,omitempty"`
	Run      *model.RunProgress `json:"run"`
}

// Advance decides which nodes follow a branch point and executes them.
//
// The decision is taken and recorded under the run's writer lock. Chosen
// nodes then run concurrently outside the lock, bounded by the service's
// parallelism, and their results are written back under the lock. A
// deferred decision suspends the subroutine without running anything.
//
// Every node runs on a share of what is left of the run's budget, and what
// the nodes used is charged to the run when their results are written.
func (s *Service) Advance(ctx context.Context, runID uuid.UUID, in AdvanceInput) (AdvanceResult, error) {
	if in.InstanceID == "" {
		return AdvanceResult{}, fmt.Errorf("%w: instance_id is required", ErrInvalidInput)
	}
	if in.DecisionContext == "" {
		return AdvanceResult{}, fmt.Errorf("%w: decision_context is required", ErrInvalidInput)
	}
	branch := in.BranchID
	if branch == "" {
		branch = in.InstanceID
	}
	key := decision.GenerateDecisionKey(branch, in.DecisionContext)

	ctx = s.scope(ctx, runID)
	ctx, span := s.tracer.Start(ctx, "runs.advance", trace.WithAttributes(
		attribute.String("keiro.run_id", runID.String()),
		attribute.String("keiro.instance_id", in.InstanceID),
		attribute.String("keiro.decision_key", key),
	))
	defer span.End()

	var (
		chosen    model.Decision
		variables map[string]any
		budget    model.ResourceLimits
		used      model.ResourceUsage
		box       = &outbox{}
	)
	run, err := s.store.UpdateRun(ctx, runID, func(run *model.RunProgress) error {
		box.reset()
		sub, ok := run.Subcontexts[in.InstanceID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrInstanceNotFound, in.InstanceID)
		}
		engine := decision.NewEngine(s.decisions, box, s.logger)
		var err error
		if in.Multiple {
			chosen, err = engine.ChooseMultiple(ctx, run, in.Options, key, sub)
		} else {
			chosen, err = engine.ChooseOne(ctx, run, in.Options, key, sub)
		}
		if err != nil {
			return err
		}

		switch chosen.(type) {
		case model.DeferredDecision:
			if sub.Status != model.SubroutineWaiting {
				sub.Status = model.SubroutineWaiting
				events.Emit(ctx, box, events.BranchSuspended, "runs", in.InstanceID, events.WithData(map[string]any{
					"run_id": runID.String(), "instance_id": in.InstanceID, "key": key,
				}))
			}
		case model.ResolvedDecision:
			if sub.Status == model.SubroutineWaiting {
				sub.Status = model.SubroutineActive
				events.Emit(ctx, box, events.BranchResumed, "runs", in.InstanceID, events.WithData(map[string]any{
					"run_id": runID.String(), "instance_id": in.InstanceID, "key": key,
				}))
			}
		}
		variables = maps.Clone(sub.Variables)
		budget = run.Limits
		used = run.Usage
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	box.flush(ctx, s.emitter)

	resolved, ok := chosen.(model.ResolvedDecision)
	if !ok {
		return AdvanceResult{Decision: chosen, Deferred: true, Run: run}, nil
	}

	inputs := variables
	if inputs == nil {
		inputs = map[string]any{}
	}
	maps.Copy(inputs, in.Inputs)

	shares := limits.Split(budget, used, len(resolved.Result))
	records := s.execute(ctx, runID, in, resolved.Result, routineIDs(in.Options), inputs, shares)

	run, err = s.store.UpdateRun(ctx, runID, func(run *model.RunProgress) error {
		box.reset()
		sub, ok := run.Subcontexts[in.InstanceID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrInstanceNotFound, in.InstanceID)
		}
		applyResults(sub, records, in.Final)
		run.Usage = charge(run.Usage, records)
		s.runTransitions(ctx, box, run)
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	box.flush(ctx, s.emitter)
	return AdvanceResult{Decision: chosen, Steps: records, Run: run}, nil
}

// execute runs each chosen node through the coordinator, node i within
// shares[i].
func (s *Service) execute(ctx context.Context, runID uuid.UUID, in AdvanceInput, nodes []string, routines map[string]string, inputs map[string]any, shares []model.ResourceLimits) []model.StepRecord {
	records := make([]model.StepRecord, len(nodes))
	var g errgroup.Group
	g.SetLimit(s.maxParallel)

	for i, node := range nodes {
		g.Go(func() error {
			records[i] = s.runNode(ctx, runID, in, node, routines[node], maps.Clone(inputs), shares[i])
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (s *Service) runNode(ctx context.Context, runID uuid.UUID, in AdvanceInput, node, routineID string, inputs map[string]any, share model.ResourceLimits) model.StepRecord {
	id := stepID(runID, in.InstanceID, node)
	record := model.StepRecord{StepID: id, NodeID: node, At: time.Now().UTC()}

	if routineID == "" {
		routineID = node
	}
	routine, err := s.catalog.Routine(ctx, routineID)
	if err != nil {
		record.Status = model.ExecFailed
		record.Reason = err.Error()
		events.Emit(ctx, s.emitter, events.StepFailed, "runs", in.InstanceID, events.WithData(map[string]any{
			"step_id": id, "node_id": node, "reason": record.Reason,
		}))
		return record
	}

	// A node whose share is already spent is not started.
	if check := limits.Check(share, model.ResourceUsage{}); check.Exceeded {
		record.Status = model.ExecLimitExceeded
		record.Reason = check.Reason
		events.Emit(ctx, s.emitter, events.LimitExceeded, "runs", in.InstanceID, events.WithData(map[string]any{
			"step_id": id, "node_id": node, "reason": check.Reason,
		}))
		events.Emit(ctx, s.emitter, events.StepLimitExceeded, "runs", in.InstanceID, events.WithData(map[string]any{
			"step_id": id, "node_id": node, "status": string(record.Status), "reason": record.Reason,
		}))
		return record
	}

	events.Emit(ctx, s.emitter, events.StepStarted, "runs", in.InstanceID, events.WithData(map[string]any{
		"step_id": id, "node_id": node, "routine_id": routine.ID,
	}))
	res := s.coordinator.ExecuteStep(ctx, strategy.StepRequest{
		Parent:  model.ExecutionContext{StepID: runID.String(), Limits: share},
		Context: model.ExecutionContext{StepID: id, RoutineID: routine.ID},
		Routine: routine,
		Inputs:  inputs,
		Tools:   in.Tools,
	})

	record.Strategy = res.Strategy
	record.Status = res.Status
	record.Outputs = res.Outputs
	record.Usage = res.Usage
	record.Reason = res.Reason

	var typ events.ProcessEvent
	switch res.Status {
	case model.ExecCompleted:
		typ = events.StepCompleted
	case model.ExecPendingInput:
		typ = events.BranchSuspended
	case model.ExecLimitExceeded:
		typ = events.StepLimitExceeded
	default:
		typ = events.StepFailed
	}
	events.Emit(ctx, s.emitter, typ, "runs", in.InstanceID, events.WithData(map[string]any{
		"step_id": id, "node_id": node, "status": string(res.Status), "reason": res.Reason,
	}))
	return record
}

func routineIDs(options []model.NodeOption) map[string]string {
	out := make(map[string]string, len(options))
	for _, o := range options {
		if id, ok := o.Meta[RoutineMetaKey].(string); ok {
			out[o.NodeID] = id
		}
	}
	return out
}

// applyResults folds step records into a subroutine context. A failure
// outranks a budget stop, which outranks a wait.
func applyResults(sub *model.SubroutineContext, records []model.StepRecord, final bool) {
	if sub.Variables == nil {
		sub.Variables = map[string]any{}
	}
	status := model.SubroutineActive
	for _, r := range records {
		sub.Results = append(sub.Results, r)
		switch r.Status {
		case model.ExecCompleted:
			maps.Copy(sub.Variables, r.Outputs)
		case model.ExecPendingInput:
			if status == model.SubroutineActive {
				status = model.SubroutineWaiting
			}
		case model.ExecLimitExceeded:
			maps.Copy(sub.Variables, r.Outputs)
			if status != model.SubroutineFailed {
				status = model.SubroutineLimitExceeded
			}
		default:
			status = model.SubroutineFailed
		}
	}
	if status == model.SubroutineActive && final {
		status = model.SubroutineCompleted
	}
	sub.Status = status
}

// charge adds a batch of step records to the run's usage. The batch ran in
// parallel, so it costs the run the time of its slowest step.
func charge(u model.ResourceUsage, records []model.StepRecord) model.ResourceUsage {
	var slowest int64
	for _, r := range records {
		slowest = max(slowest, r.Usage.TimeElapsedMs)
		r.Usage.TimeElapsedMs = 0
		u = u.Add(r.Usage)
	}
	u.TimeElapsedMs += slowest
	return u
}

// runTransitions emits run-level completion once every subroutine is done.
// Any failure fails the run; otherwise any budget stop ends it as
// limit_exceeded.
func (s *Service) runTransitions(ctx context.Context, box *outbox, run *model.RunProgress) {
	failed, stopped := 0, 0
	for _, sub := range run.Subcontexts {
		switch sub.Status {
		case model.SubroutineCompleted:
		case model.SubroutineFailed:
			failed++
		case model.SubroutineLimitExceeded:
			stopped++
		default:
			return
		}
	}
	data := map[string]any{
		"run_id":                   run.RunID.String(),
		"failed_instances":         failed,
		"limit_exceeded_instances": stopped,
		"usage":                    run.Usage,
	}
	switch {
	case failed > 0:
		events.Emit(ctx, box, events.RunFailed, "runs", run.RunID.String(), events.WithData(data))
	case stopped > 0:
		events.Emit(ctx, box, events.RunLimitExceeded, "runs", run.RunID.String(), events.WithData(data))
	default:
		events.Emit(ctx, box, events.RunCompleted, "runs", run.RunID.String(), events.WithData(data))
	}
}
