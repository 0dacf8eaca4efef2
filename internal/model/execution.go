package model

import "time"

// ResourceLimits is a step's budget. Nil fields are unbounded.
type ResourceLimits struct {
	MaxCredits        *int64 `json:"max_credits,omitempty" yaml:"max_credits,omitempty"`
	MaxTimeMs         *int64 `json:"max_time_ms,omitempty" yaml:"max_time_ms,omitempty"`
	MaxToolCalls      *int64 `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
	MaxReasoningSteps *int64 `json:"max_reasoning_steps,omitempty" yaml:"max_reasoning_steps,omitempty"`
	StrictLimits      bool   `json:"strict_limits" yaml:"strict_limits,omitempty"`
}

// ResourceUsage is what a step has consumed so far.
type ResourceUsage struct {
	CreditsUsed    int64 `json:"credits_used"`
	TimeElapsedMs  int64 `json:"time_elapsed_ms"`
	ToolCallsCount int64 `json:"tool_calls_count"`
	ReasoningSteps int64 `json:"reasoning_steps"`
}

// Add returns the element-wise sum of u and o.
func (u ResourceUsage) Add(o ResourceUsage) ResourceUsage {
	return ResourceUsage{
		CreditsUsed:    u.CreditsUsed + o.CreditsUsed,
		TimeElapsedMs:  u.TimeElapsedMs + o.TimeElapsedMs,
		ToolCallsCount: u.ToolCallsCount + o.ToolCallsCount,
		ReasoningSteps: u.ReasoningSteps + o.ReasoningSteps,
	}
}

// SwarmContextRef points at the coordination context that spawned a step.
type SwarmContextRef struct {
	SwarmID     string `json:"swarm_id"`
	ParentRunID string `json:"parent_run_id,omitempty"`
}

// ExecutionContext is the per-step execution configuration.
type ExecutionContext struct {
	StepID             string           `json:"step_id"`
	RoutineID          string           `json:"routine_id,omitempty"`
	Limits             ResourceLimits   `json:"limits"`
	ParentSwarmContext *SwarmContextRef `json:"parent_swarm_context,omitempty"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
}

// ExecutionStatus is the outcome class of a strategy invocation.
type ExecutionStatus string

const (
	ExecCompleted     ExecutionStatus = "completed"
	ExecFailed        ExecutionStatus = "failed"
	ExecLimitExceeded ExecutionStatus = "limit_exceeded"
	ExecPendingInput  ExecutionStatus = "pending_input"
	ExecCancelled     ExecutionStatus = "cancelled"
)

// ExecutionResult is what the coordinator returns for every step, including
// failures. Reason is set for every status except completed.
type ExecutionResult struct {
	Status        ExecutionStatus `json:"status"`
	Strategy      string          `json:"strategy"`
	Outputs       map[string]any  `json:"outputs,omitempty"`
	MissingInputs []string        `json:"missing_inputs,omitempty"`
	Usage         ResourceUsage   `json:"usage"`
	Confidence    float64         `json:"confidence"`
	Reason        string          `json:"reason,omitempty"`
	Duration      time.Duration   `json:"duration_ns"`
}

// Succeeded reports whether the step completed.
func (r ExecutionResult) Succeeded() bool { return r.Status == ExecCompleted }

// CostEstimate is a strategy's pre-flight projection of a step's cost.
type CostEstimate struct {
	Credits        int64 `json:"credits"`
	TimeMs         int64 `json:"time_ms"`
	ToolCalls      int64 `json:"tool_calls"`
	ReasoningSteps int64 `json:"reasoning_steps"`
}

// Usage converts the estimate into a usage record for limit checks.
func (c CostEstimate) Usage() ResourceUsage {
	return ResourceUsage{
		CreditsUsed:    c.Credits,
		TimeElapsedMs:  c.TimeMs,
		ToolCallsCount: c.ToolCalls,
		ReasoningSteps: c.ReasoningSteps,
	}
}

// ToolCall is one declared tool invocation in a deterministic routine.
type ToolCall struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Input  map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Output string         `json:"output,omitempty" yaml:"output,omitempty"`
}

// Routine is the unit of work a strategy executes for a node.
type Routine struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Strategy       string         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	RequiredInputs []string       `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	Steps          []ToolCall     `json:"steps,omitempty" yaml:"steps,omitempty"`
	Prompt         string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Limits         ResourceLimits `json:"limits" yaml:"limits,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IOMapping carries a routine's inputs in and its outputs out.
type IOMapping struct {
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
}

// Missing returns the names in required that have no input value, in order.
func (m IOMapping) Missing(required []string) []string {
	var out []string
	for _, name := range required {
		if v, ok := m.Inputs[name]; !ok || v == nil {
			out = append(out, name)
		}
	}
	return out
}

// PerformanceEntry is one recorded strategy outcome.
type PerformanceEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	ExecutionTime time.Duration  `json:"execution_time_ns"`
	Success       bool           `json:"success"`
	Confidence    float64        `json:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
