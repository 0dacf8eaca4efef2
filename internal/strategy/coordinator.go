package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/performance"
	"github.com/ashita-ai/keiro/internal/telemetry"
)

// StepRequest describes one step for ExecuteStep.
type StepRequest struct {
	// Parent is the enclosing scope (run or swarm). Its limits bound the step.
	Parent  model.ExecutionContext
	Context model.ExecutionContext
	Routine model.Routine
	Inputs  map[string]any
	Tools   []string
}

// TaskRequest describes one ad-hoc task for ExecuteTask.
type TaskRequest struct {
	Parent   model.ExecutionContext
	Context  model.ExecutionContext
	Strategy string
	Task     Task
	Tools    []string
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Strategies  *Registry
	Performance *performance.Set
	Backends    Backends
	Emitter     events.Emitter
	Logger      *slog.Logger
	// Fallback names the strategy used instead of one whose feedback says
	// it should adapt. Empty disables adaptation.
	Fallback string
}

// Coordinator selects a strategy for each step, runs it within the step's
// budget, converts every failure into a result, and records performance.
type Coordinator struct {
	strategies *Registry
	perf       *performance.Set
	backends   Backends
	emitter    events.Emitter
	logger     *slog.Logger
	fallback   string

	tracer     trace.Tracer
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Emitter == nil {
		cfg.Emitter = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Performance == nil {
		cfg.Performance = performance.NewSet(performance.DefaultCapacity, performance.DefaultAnalysisWindow)
	}
	meter := telemetry.Meter("keiro/strategy")
	duration, _ := meter.Float64Histogram("keiro.strategy.duration",
		metric.WithDescription("Time spent executing a strategy (ms)"),
		metric.WithUnit("ms"),
	)
	executions, _ := meter.Int64Counter("keiro.strategy.executions",
		metric.WithDescription("Strategy executions by outcome"),
	)
	return &Coordinator{
		strategies: cfg.Strategies,
		perf:       cfg.Performance,
		backends:   cfg.Backends,
		emitter:    cfg.Emitter,
		logger:     cfg.Logger,
		fallback:   cfg.Fallback,
		tracer:     telemetry.Tracer("keiro/strategy"),
		duration:   duration,
		executions: executions,
	}
}

// Performance returns the per-strategy trackers.
func (c *Coordinator) Performance() *performance.Set { return c.perf }

// Strategies returns the strategy registry.
func (c *Coordinator) Strategies() *Registry { return c.strategies }

// EstimateCost returns the selected strategy's pre-flight estimate for
// routine without executing anything.
func (c *Coordinator) EstimateCost(ctx context.Context, routine model.Routine, ec model.ExecutionContext) (model.CostEstimate, error) {
	s, err := c.strategies.Select(routine)
	if err != nil {
		return model.CostEstimate{}, err
	}
	return safeEstimate(ctx, s, ec, routine)
}

// ExecuteStep runs routine for one step. It never returns an error: every
// outcome, including panics, is reported through the result's Status.
func (c *Coordinator) ExecuteStep(ctx context.Context, req StepRequest) model.ExecutionResult {
	ec := limits.Merge(req.Parent, req.Context)
	ec.Limits = limits.MergeLimits(ec.Limits, req.Routine.Limits)
	if ec.RoutineID == "" {
		ec.RoutineID = req.Routine.ID
	}

	s, err := c.strategies.Select(req.Routine)
	if err != nil {
		return model.ExecutionResult{Status: model.ExecFailed, Reason: err.Error()}
	}
	s = c.adapt(ctx, s, ec)

	return c.run(ctx, s, ec, req.Tools, req.Routine, func(ctx context.Context, deps *Dependencies) (Outcome, []string, error) {
		io := model.IOMapping{Inputs: maps.Clone(req.Inputs), Outputs: map[string]any{}}
		if io.Inputs == nil {
			io.Inputs = map[string]any{}
		}

		if missing := io.Missing(req.Routine.RequiredInputs); len(missing) > 0 {
			if still := c.fillInputs(ctx, s, deps, req.Routine, &io, missing); len(still) > 0 {
				return Outcome{}, still, nil
			}
		}

		out, err := s.ExecuteRoutine(ctx, deps, req.Routine, io)
		var mi *MissingInputsError
		if errors.As(err, &mi) {
			if still := c.fillInputs(ctx, s, deps, req.Routine, &io, mi.Names); len(still) > 0 {
				return Outcome{}, still, nil
			}
			out, err = s.ExecuteRoutine(ctx, deps, req.Routine, io)
		}
		return out, nil, err
	})
}

// ExecuteTask runs an ad-hoc task through the named strategy, or the
// registry default when none is named.
func (c *Coordinator) ExecuteTask(ctx context.Context, req TaskRequest) model.ExecutionResult {
	ec := limits.Merge(req.Parent, req.Context)
	routine := model.Routine{ID: ec.RoutineID, Strategy: req.Strategy, Prompt: req.Task.Goal}

	s, err := c.strategies.Select(routine)
	if err != nil {
		return model.ExecutionResult{Status: model.ExecFailed, Reason: err.Error()}
	}
	s = c.adapt(ctx, s, ec)

	return c.run(ctx, s, ec, req.Tools, routine, func(ctx context.Context, deps *Dependencies) (Outcome, []string, error) {
		out, err := s.Execute(ctx, deps, req.Task)
		return out, nil, err
	})
}

// fillInputs asks s for the missing inputs, merges what it returns into io,
// and reports what is still missing.
func (c *Coordinator) fillInputs(ctx context.Context, s Strategy, deps *Dependencies, routine model.Routine, io *model.IOMapping, missing []string) []string {
	generated, err := s.GenerateMissingInputs(ctx, deps, routine, *io, missing)
	if err != nil {
		c.logger.Warn("strategy: generate missing inputs failed",
			"strategy", s.Name(), "step_id", deps.Context.StepID, "missing", missing, "error", err)
		return missing
	}
	var filled []string
	for _, name := range missing {
		if v, ok := generated[name]; ok && v != nil {
			io.Inputs[name] = v
			filled = append(filled, name)
		}
	}
	if len(filled) > 0 {
		deps.Emit(ctx, events.InputsGenerated, map[string]any{"step_id": deps.Context.StepID, "inputs": filled})
	}
	return io.Missing(missing)
}

// adapt swaps s for the fallback strategy when s's recent performance says
// it should adapt.
func (c *Coordinator) adapt(ctx context.Context, s Strategy, ec model.ExecutionContext) Strategy {
	if c.fallback == "" || c.fallback == s.Name() {
		return s
	}
	tracker, ok := c.perf.Lookup(s.Name())
	if !ok {
		return s
	}
	fb := tracker.Feedback()
	if !fb.ShouldAdapt {
		return s
	}
	fallback, err := c.strategies.Get(c.fallback)
	if err != nil {
		c.logger.Warn("strategy: fallback strategy not registered", "fallback", c.fallback)
		return s
	}
	c.logger.Info("strategy: adapting to fallback",
		"from", s.Name(), "to", fallback.Name(), "risk", fb.RiskLevel, "potential", fb.OptimizationPotential)
	c.emit(ctx, ec, events.StrategyFallback, map[string]any{
		"step_id":         ec.StepID,
		"from":            s.Name(),
		"to":              fallback.Name(),
		"risk_level":      string(fb.RiskLevel),
		"recommendations": fb.Recommendations,
	})
	return fallback
}

type invocation func(ctx context.Context, deps *Dependencies) (out Outcome, missing []string, err error)

func (c *Coordinator) run(ctx context.Context, s Strategy, ec model.ExecutionContext, tools []string, routine model.Routine, invoke invocation) model.ExecutionResult {
	ctx, span := c.tracer.Start(ctx, "strategy.execute", trace.WithAttributes(
		attribute.String("keiro.strategy", s.Name()),
		attribute.String("keiro.step_id", ec.StepID),
		attribute.String("keiro.routine_id", ec.RoutineID),
	))
	defer span.End()

	start := time.Now()
	result := model.ExecutionResult{Strategy: s.Name()}
	logger := c.logger.With("strategy", s.Name(), "step_id", ec.StepID)

	if est, err := safeEstimate(ctx, s, ec, routine); err != nil {
		logger.Warn("strategy: cost estimate failed", "error", err)
	} else {
		c.emit(ctx, ec, events.CostEstimated, map[string]any{"step_id": ec.StepID, "strategy": s.Name(), "estimate": est})
		if ec.Limits.StrictLimits {
			if check := limits.CheckAll(ec.Limits, est.Usage()); check.Exceeded {
				result.Status = model.ExecLimitExceeded
				result.Reason = check.Reason
				return c.finish(ctx, span, ec, result, start, nil)
			}
		}
	}

	budget := limits.NewBudget(ec.Limits)
	services := newServices(c.backends)
	defer services.Release()

	runCtx := ctx
	if ec.Limits.MaxTimeMs != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*ec.Limits.MaxTimeMs)*time.Millisecond)
		defer cancel()
	}

	deps := &Dependencies{
		Context:   ec,
		Budget:    budget,
		Tools:     tools,
		Services:  services,
		Logger:    logger,
		emitter:   c.emitter,
		component: "strategy." + s.Name(),
	}

	c.emit(ctx, ec, events.StrategyStarted, map[string]any{"step_id": ec.StepID, "strategy": s.Name()})
	out, missing, err := safeInvoke(runCtx, deps, invoke)
	result.Usage = budget.Usage()

	var (
		pe *panicError
		le *limits.ExceededError
	)
	switch {
	case errors.As(err, &pe):
		result.Status = model.ExecFailed
		result.Reason = pe.Error()
		logger.Error("strategy: panic recovered", "panic", pe.value, "stack", string(pe.stack))
		c.emit(ctx, ec, events.StrategyPanicked, map[string]any{"step_id": ec.StepID, "strategy": s.Name(), "panic": fmt.Sprint(pe.value)})
	case len(missing) > 0:
		result.Status = model.ExecPendingInput
		result.MissingInputs = missing
		result.Reason = (&MissingInputsError{Names: missing}).Error()
		c.emit(ctx, ec, events.InputsPending, map[string]any{"step_id": ec.StepID, "missing": missing})
	case errors.As(err, &le):
		result.Status = model.ExecLimitExceeded
		result.Reason = le.Reason
	case err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// Our own time limit fired, not the caller's.
		result.Status = model.ExecLimitExceeded
		result.Reason = timeLimitReason(ec.Limits, result.Usage)
	case err != nil && ctx.Err() != nil:
		result.Status = model.ExecCancelled
		result.Reason = ctx.Err().Error()
	case err != nil:
		result.Status = model.ExecFailed
		result.Reason = err.Error()
	default:
		result.Status = model.ExecCompleted
		result.Outputs = out.Outputs
		result.Confidence = out.Confidence
		// Charges are checked before they are made, so the last one can
		// still carry the step past a limit. Outputs are kept.
		if over := limits.Overshoot(ec.Limits, result.Usage); over.Exceeded {
			result.Status = model.ExecLimitExceeded
			result.Reason = over.Reason
		}
	}
	return c.finish(ctx, span, ec, result, start, err)
}

// panicError carries a recovered strategy panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("strategy panicked: %v", e.value) }

func safeInvoke(ctx context.Context, deps *Dependencies, invoke invocation) (out Outcome, missing []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return invoke(ctx, deps)
}

func safeEstimate(ctx context.Context, s Strategy, ec model.ExecutionContext, routine model.Routine) (est model.CostEstimate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return s.EstimateCost(ctx, ec, routine)
}

func timeLimitReason(l model.ResourceLimits, u model.ResourceUsage) string {
	if check := limits.Check(model.ResourceLimits{MaxTimeMs: l.MaxTimeMs}, u); check.Exceeded {
		return check.Reason
	}
	return fmt.Sprintf("Time limit exceeded: %dms >= %dms", *l.MaxTimeMs, *l.MaxTimeMs)
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, ec model.ExecutionContext, result model.ExecutionResult, start time.Time, cause error) model.ExecutionResult {
	result.Duration = time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("strategy", result.Strategy),
		attribute.String("status", string(result.Status)),
	)
	c.duration.Record(ctx, float64(result.Duration.Milliseconds()), attrs)
	c.executions.Add(ctx, 1, attrs)
	span.SetAttributes(attribute.String("keiro.status", string(result.Status)))

	data := map[string]any{
		"step_id":  ec.StepID,
		"strategy": result.Strategy,
		"status":   string(result.Status),
		"usage":    result.Usage,
	}
	switch result.Status {
	case model.ExecCompleted:
		c.emit(ctx, ec, events.StrategyCompleted, data)
	case model.ExecLimitExceeded:
		span.SetStatus(codes.Error, result.Reason)
		data["reason"] = result.Reason
		c.emit(ctx, ec, events.LimitExceeded, data)
	case model.ExecFailed:
		span.SetStatus(codes.Error, result.Reason)
		if cause != nil {
			span.RecordError(cause)
		}
		data["reason"] = result.Reason
		c.emit(ctx, ec, events.StrategyFailed, data)
	}

	// Suspensions, cancellations and budget stops say nothing about strategy
	// quality.
	switch result.Status {
	case model.ExecPendingInput, model.ExecCancelled, model.ExecLimitExceeded:
		return result
	}
	tracker := c.perf.For(result.Strategy)
	tracker.Record(model.PerformanceEntry{
		Timestamp:     time.Now().UTC(),
		ExecutionTime: result.Duration,
		Success:       result.Status == model.ExecCompleted,
		Confidence:    result.Confidence,
		Metadata:      map[string]any{"step_id": ec.StepID, "status": string(result.Status)},
	})
	if fb := tracker.Feedback(); fb.ShouldAdapt {
		c.emit(ctx, ec, events.AdaptationRecommended, map[string]any{
			"strategy":               result.Strategy,
			"risk_level":             string(fb.RiskLevel),
			"optimization_potential": fb.OptimizationPotential,
			"recommendations":        fb.Recommendations,
		})
	}
	return result
}

func (c *Coordinator) emit(ctx context.Context, ec model.ExecutionContext, k events.Kind, data map[string]any) {
	events.Emit(ctx, c.emitter, k, "coordinator", ec.StepID, events.WithData(data))
}
