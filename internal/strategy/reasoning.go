package strategy

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
)

// Reasoning iterates the reasoning backend until it returns a final answer or
// reaches the confidence threshold, running any tool the backend asks for.
type Reasoning struct {
	MaxIterations       int
	ConfidenceThreshold float64
	CreditsPerStep      int64
}

// DefaultReasoning returns a Reasoning strategy with conservative settings.
func DefaultReasoning() Reasoning {
	return Reasoning{MaxIterations: 8, ConfidenceThreshold: 0.9, CreditsPerStep: 1}
}

func (Reasoning) Name() string { return "reasoning" }

func (r Reasoning) iterations(ec model.ExecutionContext) int64 {
	n := int64(r.MaxIterations)
	if n <= 0 {
		n = 8
	}
	if max := ec.Limits.MaxReasoningSteps; max != nil && *max < n {
		n = *max
	}
	return n
}

func (r Reasoning) EstimateCost(_ context.Context, ec model.ExecutionContext, _ model.Routine) (model.CostEstimate, error) {
	// Assume half the iterations run before an answer.
	steps := max(1, r.iterations(ec)/2)
	return model.CostEstimate{ReasoningSteps: steps, Credits: steps * r.CreditsPerStep}, nil
}

func (r Reasoning) ExecuteRoutine(ctx context.Context, deps *Dependencies, routine model.Routine, io model.IOMapping) (Outcome, error) {
	engine, err := deps.Services.Reasoning()
	if err != nil {
		return Outcome{}, err
	}

	req := ReasoningRequest{Routine: routine, Inputs: maps.Clone(io.Inputs)}
	if cb, err := deps.Services.ContextBuilder(); err == nil {
		if req.Context, err = cb.BuildContext(ctx, routine, io); err != nil {
			return Outcome{}, fmt.Errorf("reasoning: build context: %w", err)
		}
	}
	if pi, err := deps.Services.Participants(); err == nil {
		if req.Participants, err = pi.Participants(ctx, deps.Context); err != nil {
			deps.Logger.Warn("reasoning: participant lookup failed", "error", err)
		}
	}
	messages, _ := deps.Services.Messages()

	limit := r.iterations(deps.Context)
	for i := int64(0); i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if err := deps.Budget.CheckReasoning(); err != nil {
			return Outcome{}, err
		}

		step, err := engine.Reason(ctx, req)
		deps.Budget.ReasoningStep()
		deps.Budget.Charge(step.Credits)
		if err != nil {
			return Outcome{}, fmt.Errorf("reasoning: iteration %d: %w", i, err)
		}
		deps.Emit(ctx, events.ReasoningStep, map[string]any{
			"step_id":    deps.Context.StepID,
			"iteration":  i,
			"confidence": step.Confidence,
			"final":      step.Final,
		})
		if messages != nil && step.Thought != "" {
			if err := messages.AppendMessage(ctx, deps.Context.StepID, "assistant", step.Thought); err != nil {
				deps.Logger.Warn("reasoning: append message failed", "error", err)
			}
		}

		if step.ToolCall != nil {
			res, err := deps.RunTool(ctx, *step.ToolCall)
			switch {
			case err == nil:
				step.ToolResult = res.Output
			case ctx.Err() != nil, errors.Is(err, limits.ErrLimitExceeded):
				return Outcome{}, err
			default:
				// The failure is fed back to the engine as the tool result.
				step.ToolResult = err.Error()
			}
		}
		req.History = append(req.History, step)

		if step.Final || (r.ConfidenceThreshold > 0 && step.Confidence >= r.ConfidenceThreshold && step.Outputs != nil) {
			return Outcome{Outputs: step.Outputs, Confidence: step.Confidence}, nil
		}
	}
	if err := deps.Budget.CheckReasoning(); err != nil {
		return Outcome{}, err
	}
	return Outcome{}, fmt.Errorf("reasoning: no final answer after %d iterations", limit)
}

func (r Reasoning) Execute(ctx context.Context, deps *Dependencies, task Task) (Outcome, error) {
	routine := model.Routine{ID: deps.Context.RoutineID, Prompt: task.Goal}
	return r.ExecuteRoutine(ctx, deps, routine, model.IOMapping{Inputs: task.Inputs})
}

// GenerateMissingInputs asks the reasoning backend for values of missing.
// The call counts as one reasoning step.
func (r Reasoning) GenerateMissingInputs(ctx context.Context, deps *Dependencies, routine model.Routine, io model.IOMapping, missing []string) (map[string]any, error) {
	engine, err := deps.Services.Reasoning()
	if err != nil {
		return nil, err
	}
	if err := deps.Budget.CheckReasoning(); err != nil {
		return nil, err
	}
	step, err := engine.Reason(ctx, ReasoningRequest{Routine: routine, Inputs: maps.Clone(io.Inputs), Missing: missing})
	deps.Budget.ReasoningStep()
	deps.Budget.Charge(step.Credits)
	if err != nil {
		return nil, fmt.Errorf("reasoning: generate inputs: %w", err)
	}
	return step.Outputs, nil
}
