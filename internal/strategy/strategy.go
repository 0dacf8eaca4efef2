// Package strategy selects and runs execution strategies for workflow steps.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
)

var (
	// ErrUnknownStrategy is returned when no strategy is registered under a name.
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")
	// ErrServicesReleased is returned when a strategy touches its services
	// after the step that received them has finished.
	ErrServicesReleased = errors.New("strategy: services used after step completed")
	// ErrBackendUnavailable is returned when the host did not supply a backend
	// a strategy needs.
	ErrBackendUnavailable = errors.New("strategy: backend unavailable")
)

// MissingInputsError tells the coordinator a strategy discovered inputs it
// needs but was not given.
type MissingInputsError struct {
	Names []string
}

func (e *MissingInputsError) Error() string {
	return "strategy: missing inputs: " + strings.Join(e.Names, ", ")
}

// Task is a single ad-hoc unit of work that is not described by a routine.
type Task struct {
	Goal   string         `json:"goal"`
	Tool   string         `json:"tool,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Outcome is what a strategy returns on success.
type Outcome struct {
	Outputs    map[string]any
	Confidence float64
}

// Strategy executes steps. Implementations must check ctx and deps.Budget
// before each unit of work and return promptly when either says stop.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, deps *Dependencies, task Task) (Outcome, error)
	ExecuteRoutine(ctx context.Context, deps *Dependencies, routine model.Routine, io model.IOMapping) (Outcome, error)
	GenerateMissingInputs(ctx context.Context, deps *Dependencies, routine model.Routine, io model.IOMapping, missing []string) (map[string]any, error)
	EstimateCost(ctx context.Context, ec model.ExecutionContext, routine model.Routine) (model.CostEstimate, error)
}

// ReasoningRequest is one call into the reasoning backend.
type ReasoningRequest struct {
	Routine      model.Routine
	Inputs       map[string]any
	Context      string
	Participants []string
	History      []ReasoningStep
	// Missing is set when the backend is asked to produce input values
	// rather than to work on the routine.
	Missing []string
}

// ReasoningStep is one iteration returned by the reasoning backend.
type ReasoningStep struct {
	Thought    string
	ToolCall   *model.ToolCall
	ToolResult any
	Final      bool
	Outputs    map[string]any
	Confidence float64
	Credits    int64
}

// ReasoningEngine is the host's model backend.
type ReasoningEngine interface {
	Reason(ctx context.Context, req ReasoningRequest) (ReasoningStep, error)
}

// ToolResult is a tool's return value and what it cost.
type ToolResult struct {
	Output  any
	Credits int64
}

// ToolRunner invokes tools by name.
type ToolRunner interface {
	RunTool(ctx context.Context, call model.ToolCall) (ToolResult, error)
}

// ContextBuilder renders the context a reasoning strategy works from.
type ContextBuilder interface {
	BuildContext(ctx context.Context, routine model.Routine, io model.IOMapping) (string, error)
}

// MessageStore records the transcript of a step.
type MessageStore interface {
	AppendMessage(ctx context.Context, stepID, role, content string) error
}

// ParticipantInfo lists who takes part in the coordination context of a step.
type ParticipantInfo interface {
	Participants(ctx context.Context, ec model.ExecutionContext) ([]string, error)
}

// Backends are the host-supplied collaborators strategies call into.
// Any of them may be nil.
type Backends struct {
	Reasoning    ReasoningEngine
	Tools        ToolRunner
	Context      ContextBuilder
	Messages     MessageStore
	Participants ParticipantInfo
}

// Services hands backends to a strategy for the duration of one step.
// After Release every accessor returns ErrServicesReleased.
type Services struct {
	mu       sync.RWMutex
	backends Backends
	released bool
}

func newServices(b Backends) *Services { return &Services{backends: b} }

// Release ends the services' lifetime.
func (s *Services) Release() {
	s.mu.Lock()
	s.released = true
	s.backends = Backends{}
	s.mu.Unlock()
}

func access[T any](s *Services, name string, pick func(Backends) T, present func(T) bool) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if s.released {
		return zero, ErrServicesReleased
	}
	v := pick(s.backends)
	if !present(v) {
		return zero, fmt.Errorf("%w: %s", ErrBackendUnavailable, name)
	}
	return v, nil
}

// Reasoning returns the reasoning engine.
func (s *Services) Reasoning() (ReasoningEngine, error) {
	return access(s, "reasoning engine", func(b Backends) ReasoningEngine { return b.Reasoning }, func(v ReasoningEngine) bool { return v != nil })
}

// Tools returns the tool runner.
func (s *Services) Tools() (ToolRunner, error) {
	return access(s, "tool runner", func(b Backends) ToolRunner { return b.Tools }, func(v ToolRunner) bool { return v != nil })
}

// ContextBuilder returns the context builder.
func (s *Services) ContextBuilder() (ContextBuilder, error) {
	return access(s, "context builder", func(b Backends) ContextBuilder { return b.Context }, func(v ContextBuilder) bool { return v != nil })
}

// Messages returns the message store.
func (s *Services) Messages() (MessageStore, error) {
	return access(s, "message store", func(b Backends) MessageStore { return b.Messages }, func(v MessageStore) bool { return v != nil })
}

// Participants returns the participant directory.
func (s *Services) Participants() (ParticipantInfo, error) {
	return access(s, "participant info", func(b Backends) ParticipantInfo { return b.Participants }, func(v ParticipantInfo) bool { return v != nil })
}

// Dependencies is everything a strategy receives for one step.
type Dependencies struct {
	Context  model.ExecutionContext
	Budget   *limits.Budget
	Tools    []string
	Services *Services
	Logger   *slog.Logger

	emitter   events.Emitter
	component string
}

// ToolAllowed reports whether name is in the step's tool list. An empty list
// allows every tool.
func (d *Dependencies) ToolAllowed(name string) bool {
	return len(d.Tools) == 0 || slices.Contains(d.Tools, name)
}

// Emit publishes an execution event attributed to the step.
func (d *Dependencies) Emit(ctx context.Context, typ events.ExecutionEvent, data map[string]any) {
	if d.emitter == nil {
		return
	}
	events.Emit(ctx, d.emitter, typ, d.component, d.Context.StepID, events.WithData(data))
}

// RunTool checks the budget and tool list, invokes call through the tool
// runner, and charges the budget. Strategies use it for every tool call.
func (d *Dependencies) RunTool(ctx context.Context, call model.ToolCall) (ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return ToolResult{}, err
	}
	if err := d.Budget.Check(); err != nil {
		return ToolResult{}, err
	}
	if !d.ToolAllowed(call.Tool) {
		return ToolResult{}, fmt.Errorf("strategy: tool %q is not available to step %s", call.Tool, d.Context.StepID)
	}
	runner, err := d.Services.Tools()
	if err != nil {
		return ToolResult{}, err
	}

	d.Emit(ctx, events.ToolCalled, map[string]any{"step_id": d.Context.StepID, "tool": call.Tool})
	d.Budget.ToolCall()
	res, err := runner.RunTool(ctx, call)
	d.Budget.Charge(res.Credits)
	if err != nil {
		d.Emit(ctx, events.ToolFailed, map[string]any{"step_id": d.Context.StepID, "tool": call.Tool, "error": err.Error()})
		return res, fmt.Errorf("strategy: tool %s: %w", call.Tool, err)
	}
	d.Emit(ctx, events.ToolCompleted, map[string]any{"step_id": d.Context.StepID, "tool": call.Tool, "credits": res.Credits})
	return res, nil
}
