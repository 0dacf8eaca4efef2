package keiro

import (
	"time"

	"github.com/google/uuid"
)

// Tier is an event tier: "1", "2", "3" or "cross-cutting".
type Tier string

// EventType describes a registered event type.
type EventType struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	Tier        Tier   `json:"tier"`
	Description string `json:"description"`
}

// EventSource identifies what emitted an event.
type EventSource struct {
	Tier       Tier   `json:"tier"`
	Component  string `json:"component"`
	InstanceID string `json:"instance_id"`
}

// EventMetadata is the envelope metadata attached to every event.
type EventMetadata struct {
	Version    string   `json:"version"`
	Tags       []string `json:"tags,omitempty"`
	Priority   string   `json:"priority"`
	TTLSeconds *int     `json:"ttl_seconds,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// Event is one recorded event.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        EventSource    `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   *uuid.UUID     `json:"causation_id,omitempty"`
	Metadata      EventMetadata  `json:"metadata"`
	Data          map[string]any `json:"data,omitempty"`
}

// ValidationResult lists the problems found in an event.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}

// ResourceLimits bounds what a run or step may consume. Nil means unset.
type ResourceLimits struct {
	MaxCredits        *int64 `json:"max_credits,omitempty"`
	MaxTimeMs         *int64 `json:"max_time_ms,omitempty"`
	MaxToolCalls      *int64 `json:"max_tool_calls,omitempty"`
	MaxReasoningSteps *int64 `json:"max_reasoning_steps,omitempty"`
	StrictLimits      bool   `json:"strict_limits"`
}

// ResourceUsage is what has been consumed so far.
type ResourceUsage struct {
	CreditsUsed    int64 `json:"credits_used"`
	TimeElapsedMs  int64 `json:"time_elapsed_ms"`
	ToolCallsCount int64 `json:"tool_calls_count"`
	ReasoningSteps int64 `json:"reasoning_steps"`
}

// LimitResult is the outcome of a limit check.
type LimitResult struct {
	Exceeded bool   `json:"exceeded"`
	Resource string `json:"resource,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SwarmContextRef points at the coordination context a step belongs to.
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

// CostEstimate is a routine's pre-flight cost.
type CostEstimate struct {
	Credits        int64 `json:"credits"`
	TimeMs         int64 `json:"time_ms"`
	ToolCalls      int64 `json:"tool_calls"`
	ReasoningSteps int64 `json:"reasoning_steps"`
}

// Subroutine seeds one subroutine context when a run starts.
type Subroutine struct {
	InstanceID string         `json:"instance_id"`
	RoutineID  string         `json:"routine_id"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// StartRunRequest is the body for StartRun.
type StartRunRequest struct {
	RunID       *uuid.UUID     `json:"run_id,omitempty"`
	Subroutines []Subroutine   `json:"subroutines"`
	Limits      ResourceLimits `json:"limits"`
}

// RuntimeEvent is a message, signal, error or escalation received by a
// subroutine.
type RuntimeEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Ref        string    `json:"ref"`
	ReceivedAt time.Time `json:"received_at"`
}

// StepRecord is the outcome of one executed step.
type StepRecord struct {
	StepID   string         `json:"step_id"`
	NodeID   string         `json:"node_id"`
	Strategy string         `json:"strategy"`
	Status   string         `json:"status"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Usage    ResourceUsage  `json:"usage"`
	Reason   string         `json:"reason,omitempty"`
	At       time.Time      `json:"at"`
}

// SubroutineContext is one subroutine instance within a run.
type SubroutineContext struct {
	InstanceID    string         `json:"instance_id"`
	RoutineID     string         `json:"routine_id"`
	Status        string         `json:"status"`
	Variables     map[string]any `json:"variables,omitempty"`
	RuntimeEvents []RuntimeEvent `json:"runtime_events,omitempty"`
	Results       []StepRecord   `json:"results,omitempty"`
}

// EventsOfKind returns the runtime events of the given kind in arrival order.
func (s *SubroutineContext) EventsOfKind(kind string) []RuntimeEvent {
	var out []RuntimeEvent
	for _, e := range s.RuntimeEvents {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Decision is a recorded branch point. Kind is "resolved" or "deferred";
// only resolved decisions carry a Result.
type Decision struct {
	Kind         string   `json:"kind,omitempty"`
	DecisionType string   `json:"decision_type"`
	Key          string   `json:"key"`
	Result       []string `json:"result,omitempty"`
}

// Run is a run's full progress.
type Run struct {
	RunID       uuid.UUID                     `json:"run_id"`
	Subcontexts map[string]*SubroutineContext `json:"subcontexts"`
	Decisions   []Decision                    `json:"decisions"`
	Limits      ResourceLimits                `json:"limits"`
	Usage       ResourceUsage                 `json:"usage"`
	Version     int64                         `json:"version"`
	CreatedAt   time.Time                     `json:"created_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
}

// NodeOption is one candidate next node at a branch point.
type NodeOption struct {
	NodeID string         `json:"node_id"`
	Label  string         `json:"label,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// AdvanceRequest is the body for Advance.
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

// AdvanceResult is what an advance did.
type AdvanceResult struct {
	Decision Decision     `json:"decision"`
	Deferred bool         `json:"deferred"`
	Steps    []StepRecord `json:"steps,omitempty"`
	Run      *Run         `json:"run"`
}

// DeliveryReport says which instances received a runtime event.
type DeliveryReport struct {
	Kind      string   `json:"kind"`
	Ref       string   `json:"ref"`
	Delivered []string `json:"delivered"`
	Missing   []string `json:"missing,omitempty"`
}

// MessageDelivery is one message in a batch. Nil Targets means every instance.
type MessageDelivery struct {
	MessageID string   `json:"message_id"`
	Targets   []string `json:"targets,omitempty"`
}

// CodeDelivery is one error or escalation in a batch. An empty InstanceID
// means every instance.
type CodeDelivery struct {
	Code       string `json:"code"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Batch groups deliveries applied in one write.
type Batch struct {
	Messages    []MessageDelivery `json:"messages,omitempty"`
	Signals     []string          `json:"signals,omitempty"`
	Errors      []CodeDelivery    `json:"errors,omitempty"`
	Escalations []CodeDelivery    `json:"escalations,omitempty"`
}

// Digest is the tamper-evident hash of a run's decision log.
type Digest struct {
	RunID     uuid.UUID `json:"run_id"`
	Decisions int       `json:"decisions"`
	Leaves    []string  `json:"leaves"`
	Root      string    `json:"root"`
}

// PerformanceEntry is one recorded strategy execution.
type PerformanceEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	ExecutionTime time.Duration  `json:"execution_time_ns"`
	Success       bool           `json:"success"`
	Confidence    float64        `json:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StrategyMetrics summarise a strategy's retained history.
type StrategyMetrics struct {
	Total                int                `json:"total"`
	SuccessRate          float64            `json:"success_rate"`
	AverageExecutionTime time.Duration      `json:"average_execution_time_ns"`
	AverageConfidence    float64            `json:"average_confidence"`
	Recent               []PerformanceEntry `json:"recent"`
	Trends               struct {
		SuccessRate   float64 `json:"success_rate"`
		ExecutionTime float64 `json:"execution_time"`
		Confidence    float64 `json:"confidence"`
	} `json:"trends"`
}

// StrategyFeedback is the advisor's recommendation for a strategy.
type StrategyFeedback struct {
	Recommendations       []string `json:"recommendations"`
	OptimizationPotential float64  `json:"optimization_potential"`
	RiskLevel             string   `json:"risk_level"`
	ShouldAdapt           bool     `json:"should_adapt"`
}

// StrategyReport is a strategy's performance and the advisor's feedback.
type StrategyReport struct {
	Strategy string           `json:"strategy"`
	Metrics  StrategyMetrics  `json:"metrics"`
	Feedback StrategyFeedback `json:"feedback"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Storage     string `json:"storage"`
	BufferDepth int    `json:"buffer_depth"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	Uptime      int64  `json:"uptime_seconds"`
}
