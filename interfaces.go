package keiro

import (
	"context"
	"net/http"
)

// ToolRunner executes tools on behalf of execution strategies.
// When provided via WithToolRunner, every strategy routes tool calls here.
type ToolRunner interface {
	RunTool(ctx context.Context, call ToolCall) (ToolResult, error)
}

// DecisionChooser picks branches for the model_directed decision strategy.
// It returns the chosen node IDs: exactly one unless multiple is set.
// Returning no nodes defers the decision to an external actor.
type DecisionChooser interface {
	Choose(ctx context.Context, options []BranchOption, multiple bool, instanceID string) ([]string, error)
}

// EventObserver receives every published event after it is validated.
// Observe runs on the publishing goroutine and must not block.
type EventObserver interface {
	Observe(ctx context.Context, e Event)
}

// Middleware wraps the root HTTP handler. Applied outermost, in registration
// order, so it sees every request including /health.
type Middleware func(http.Handler) http.Handler
