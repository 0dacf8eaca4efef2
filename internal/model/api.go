package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeNoValidNodes  = "NO_VALID_NEXT_NODES"
)

// SubroutineInput seeds one subroutine context when a run starts.
type SubroutineInput struct {
	InstanceID string         `json:"instance_id"`
	RoutineID  string         `json:"routine_id"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// StartRunRequest is the request body for POST /v1/runs.
type StartRunRequest struct {
	RunID       *uuid.UUID        `json:"run_id,omitempty"`
	Subroutines []SubroutineInput `json:"subroutines"`
	Limits      ResourceLimits    `json:"limits"`
}

// DeliverMessageRequest is the request body for POST /v1/runs/{run_id}/messages.
type DeliverMessageRequest struct {
	MessageID string   `json:"message_id"`
	Targets   []string `json:"targets,omitempty"`
}

// DeliverSignalRequest is the request body for POST /v1/runs/{run_id}/signals.
type DeliverSignalRequest struct {
	SignalID string `json:"signal_id"`
}

// DeliverCodeRequest is the request body for the error and escalation endpoints.
type DeliverCodeRequest struct {
	Code       string `json:"code"`
	InstanceID string `json:"instance_id"`
}

// AdvanceRequest is the request body for POST /v1/runs/{run_id}/advance.
type AdvanceRequest struct {
	InstanceID      string         `json:"instance_id"`
	BranchID        string         `json:"branch_id"`
	DecisionContext string         `json:"decision_context"`
	Options         []NodeOption   `json:"options"`
	Multiple        bool           `json:"multiple"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Tools           []string       `json:"tools,omitempty"`
	Final           bool           `json:"final,omitempty"`
}

// ResolveRequest is the request body for POST /v1/runs/{run_id}/decisions.
type ResolveRequest struct {
	Decisions Decisions `json:"decisions"`
}

// EstimateRequest is the request body for POST /v1/routines/{routine_id}/estimate.
type EstimateRequest struct {
	Limits ResourceLimits `json:"limits"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Storage     string `json:"storage"`
	BufferDepth int    `json:"buffer_depth"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	Uptime      int64  `json:"uptime_seconds"`
}

// CheckLimitsRequest is the request body for POST /v1/limits/check.
type CheckLimitsRequest struct {
	Limits ResourceLimits `json:"limits"`
	Usage  ResourceUsage  `json:"usage"`
}

// MergeContextsRequest is the request body for POST /v1/limits/merge.
type MergeContextsRequest struct {
	Parent ExecutionContext `json:"parent"`
	Child  ExecutionContext `json:"child"`
}

// ValidateEventResponse lists the problems found in a submitted event.
type ValidateEventResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}
