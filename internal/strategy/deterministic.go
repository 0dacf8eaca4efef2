package strategy

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/ashita-ai/keiro/internal/model"
)

// Deterministic runs a routine's declared tool calls in order. String input
// values of the form "$name" are resolved from the routine inputs and from
// the outputs of earlier calls.
type Deterministic struct {
	// CreditsPerCall is the per-call credit estimate used for pre-flight checks.
	CreditsPerCall int64
}

func (Deterministic) Name() string { return "deterministic" }

func (d Deterministic) EstimateCost(_ context.Context, _ model.ExecutionContext, routine model.Routine) (model.CostEstimate, error) {
	n := int64(len(routine.Steps))
	return model.CostEstimate{ToolCalls: n, Credits: n * d.CreditsPerCall}, nil
}

func (Deterministic) ExecuteRoutine(ctx context.Context, deps *Dependencies, routine model.Routine, io model.IOMapping) (Outcome, error) {
	vars := maps.Clone(io.Inputs)
	if vars == nil {
		vars = map[string]any{}
	}
	outputs := map[string]any{}

	for i, step := range routine.Steps {
		input, missing := resolveInputs(step.Input, vars)
		if len(missing) > 0 {
			return Outcome{}, &MissingInputsError{Names: missing}
		}
		res, err := deps.RunTool(ctx, model.ToolCall{Tool: step.Tool, Input: input, Output: step.Output})
		if err != nil {
			return Outcome{}, fmt.Errorf("deterministic: step %d: %w", i, err)
		}
		name := step.Output
		if name == "" {
			name = step.Tool
		}
		vars[name] = res.Output
		outputs[name] = res.Output
	}
	return Outcome{Outputs: outputs, Confidence: 1}, nil
}

func (d Deterministic) Execute(ctx context.Context, deps *Dependencies, task Task) (Outcome, error) {
	if task.Tool == "" {
		return Outcome{}, fmt.Errorf("deterministic: task %q names no tool", task.Goal)
	}
	routine := model.Routine{Steps: []model.ToolCall{{Tool: task.Tool, Input: task.Inputs}}}
	return d.ExecuteRoutine(ctx, deps, routine, model.IOMapping{Inputs: task.Inputs})
}

// GenerateMissingInputs fills missing inputs from the routine's "defaults"
// metadata. It never invents values.
func (Deterministic) GenerateMissingInputs(_ context.Context, _ *Dependencies, routine model.Routine, _ model.IOMapping, missing []string) (map[string]any, error) {
	defaults, _ := routine.Metadata["defaults"].(map[string]any)
	out := make(map[string]any, len(missing))
	for _, name := range missing {
		if v, ok := defaults[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func resolveInputs(input map[string]any, vars map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(input))
	var missing []string
	for k, v := range input {
		ref, ok := v.(string)
		if !ok || !strings.HasPrefix(ref, "$") {
			out[k] = v
			continue
		}
		val, found := vars[strings.TrimPrefix(ref, "$")]
		if !found {
			missing = append(missing, strings.TrimPrefix(ref, "$"))
			continue
		}
		out[k] = val
	}
	return out, missing
}
