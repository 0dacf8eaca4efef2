package keiro

import (
	"time"

	"github.com/google/uuid"
)

// ToolCall is one tool invocation requested by an execution strategy.
type ToolCall struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is a tool's return value and the credits it consumed.
type ToolResult struct {
	Output  any   `json:"output,omitempty"`
	Credits int64 `json:"credits"`
}

// Routine is a catalog entry a subroutine node can run.
type Routine struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	Strategy       string     `json:"strategy,omitempty"`
	RequiredInputs []string   `json:"required_inputs,omitempty"`
	Steps          []ToolCall `json:"steps,omitempty"`
	Prompt         string     `json:"prompt,omitempty"`
}

// Event is a published keiro event as seen by observers.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Tier          string         `json:"tier"`
	Component     string         `json:"component"`
	InstanceID    string         `json:"instance_id"`
	CorrelationID string         `json:"correlation_id"`
	Data          map[string]any `json:"data,omitempty"`
}

// BranchOption is a candidate node at a branch point.
type BranchOption struct {
	NodeID string `json:"node_id"`
	Label  string `json:"label,omitempty"`
}
