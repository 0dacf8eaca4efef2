package events

import "github.com/ashita-ai/keiro/internal/model"

// CoordinationEvent is a tier 1 (swarm and team level) event type.
type CoordinationEvent string

const (
	SwarmStarted      CoordinationEvent = "swarm.started"
	SwarmCompleted    CoordinationEvent = "swarm.completed"
	SwarmFailed       CoordinationEvent = "swarm.failed"
	SwarmAgentJoined  CoordinationEvent = "swarm.agent_joined"
	SwarmAgentLeft    CoordinationEvent = "swarm.agent_left"
	SwarmTaskAssigned CoordinationEvent = "swarm.task_assigned"
	TeamFormed        CoordinationEvent = "team.formed"
	GoalUpdated       CoordinationEvent = "goal.updated"
	GoalCompleted     CoordinationEvent = "goal.completed"
)

// String returns the type string.
func (e CoordinationEvent) String() string { return string(e) }

// Tier returns model.TierCoordination.
func (e CoordinationEvent) Tier() model.Tier { return model.TierCoordination }

// Category returns the category of e. Unlisted constants return "".
func (e CoordinationEvent) Category() model.EventCategory {
	switch e {
	case SwarmStarted, SwarmCompleted, SwarmFailed:
		return model.CategoryLifecycle
	case SwarmAgentJoined, SwarmAgentLeft, SwarmTaskAssigned:
		return model.CategoryCoordination
	case TeamFormed, GoalUpdated, GoalCompleted:
		return model.CategoryManagement
	}
	return ""
}

// ProcessEvent is a tier 2 (run and step level) event type.
type ProcessEvent string

const (
	RunStarted            ProcessEvent = "run.started"
	RunCompleted          ProcessEvent = "run.completed"
	RunFailed             ProcessEvent = "run.failed"
	RunCancelled          ProcessEvent = "run.cancelled"
	RunLimitExceeded      ProcessEvent = "run.limit_exceeded"
	StepStarted           ProcessEvent = "step.started"
	StepCompleted         ProcessEvent = "step.completed"
	StepFailed            ProcessEvent = "step.failed"
	StepLimitExceeded     ProcessEvent = "step.limit_exceeded"
	MessageDelivered      ProcessEvent = "runtime.message_delivered"
	SignalDelivered       ProcessEvent = "runtime.signal_delivered"
	ErrorDelivered        ProcessEvent = "runtime.error_delivered"
	EscalationDelivered   ProcessEvent = "runtime.escalation_delivered"
	DeliveryMissed        ProcessEvent = "runtime.delivery_missed"
	DecisionResolved      ProcessEvent = "decision.resolved"
	DecisionDeferred      ProcessEvent = "decision.deferred"
	DecisionReused        ProcessEvent = "decision.reused"
	BranchSuspended       ProcessEvent = "branch.suspended"
	BranchResumed         ProcessEvent = "branch.resumed"
	PerformanceRecorded   ProcessEvent = "performance.recorded"
	AdaptationRecommended ProcessEvent = "performance.adaptation_recommended"
)

// String returns the type string.
func (e ProcessEvent) String() string { return string(e) }

// Tier returns model.TierProcess.
func (e ProcessEvent) Tier() model.Tier { return model.TierProcess }

// Category returns the category of e. Unlisted constants return "".
func (e ProcessEvent) Category() model.EventCategory {
	switch e {
	case RunStarted, RunCompleted, RunFailed, RunCancelled, RunLimitExceeded:
		return model.CategoryLifecycle
	case StepStarted, StepCompleted, StepFailed, StepLimitExceeded,
		MessageDelivered, SignalDelivered, ErrorDelivered, EscalationDelivered, DeliveryMissed:
		return model.CategoryProcess
	case DecisionResolved, DecisionDeferred, DecisionReused, BranchSuspended, BranchResumed:
		return model.CategoryNavigation
	case PerformanceRecorded, AdaptationRecommended:
		return model.CategoryOptimization
	}
	return ""
}

// ExecutionEvent is a tier 3 (strategy and tool level) event type.
type ExecutionEvent string

const (
	StrategyStarted   ExecutionEvent = "strategy.started"
	StrategyCompleted ExecutionEvent = "strategy.completed"
	StrategyFailed    ExecutionEvent = "strategy.failed"
	StrategyFallback  ExecutionEvent = "strategy.fallback"
	InputsGenerated   ExecutionEvent = "execution.inputs_generated"
	InputsPending     ExecutionEvent = "execution.pending_input"
	ReasoningStep     ExecutionEvent = "execution.reasoning_step"
	ToolCalled        ExecutionEvent = "tool.called"
	ToolCompleted     ExecutionEvent = "tool.completed"
	ToolFailed        ExecutionEvent = "tool.failed"
)

// String returns the type string.
func (e ExecutionEvent) String() string { return string(e) }

// Tier returns model.TierExecution.
func (e ExecutionEvent) Tier() model.Tier { return model.TierExecution }

// Category returns the category of e. Unlisted constants return "".
func (e ExecutionEvent) Category() model.EventCategory {
	switch e {
	case StrategyStarted, StrategyCompleted, StrategyFailed, StrategyFallback:
		return model.CategoryStrategy
	case InputsGenerated, InputsPending, ReasoningStep:
		return model.CategoryExecution
	case ToolCalled, ToolCompleted, ToolFailed:
		return model.CategoryTool
	}
	return ""
}

// CrossCuttingEvent is an event type not tied to one execution tier.
type CrossCuttingEvent string

const (
	SecurityViolation CrossCuttingEvent = "security.violation"
	HealthChecked     CrossCuttingEvent = "monitoring.health_checked"
	EventsDropped     CrossCuttingEvent = "monitoring.events_dropped"
	LimitExceeded     CrossCuttingEvent = "resource.limit_exceeded"
	LimitsMerged      CrossCuttingEvent = "resource.limits_merged"
	CostEstimated     CrossCuttingEvent = "resource.cost_estimated"
	UnhandledError    CrossCuttingEvent = "error.unhandled"
	StrategyPanicked  CrossCuttingEvent = "error.strategy_panicked"
)

// String returns the type string.
func (e CrossCuttingEvent) String() string { return string(e) }

// Tier returns model.TierCrossCutting.
func (e CrossCuttingEvent) Tier() model.Tier { return model.TierCrossCutting }

// Category returns the category of e. Unlisted constants return "".
func (e CrossCuttingEvent) Category() model.EventCategory {
	switch e {
	case SecurityViolation:
		return model.CategorySecurity
	case HealthChecked, EventsDropped:
		return model.CategoryMonitoring
	case LimitExceeded, LimitsMerged, CostEstimated:
		return model.CategoryResource
	case UnhandledError, StrategyPanicked:
		return model.CategoryError
	}
	return ""
}

var (
	coordinationEvents = map[CoordinationEvent]string{
		SwarmStarted:      "A swarm began coordinating work",
		SwarmCompleted:    "A swarm finished all of its goals",
		SwarmFailed:       "A swarm stopped on an unrecoverable failure",
		SwarmAgentJoined:  "An agent joined a swarm",
		SwarmAgentLeft:    "An agent left a swarm",
		SwarmTaskAssigned: "A swarm assigned a task to a member",
		TeamFormed:        "A team was formed for a goal",
		GoalUpdated:       "A goal's definition or progress changed",
		GoalCompleted:     "A goal was completed",
	}
	processEvents = map[ProcessEvent]string{
		RunStarted:            "A run was instantiated",
		RunCompleted:          "A run reached a terminal success state",
		RunFailed:             "A run reached a terminal failure state",
		RunCancelled:          "A run was cancelled",
		RunLimitExceeded:      "A run stopped because a subroutine used up its resource budget",
		StepStarted:           "A step began executing",
		StepCompleted:         "A step finished executing",
		StepFailed:            "A step failed",
		StepLimitExceeded:     "A step stopped at its resource budget",
		MessageDelivered:      "A message was delivered into a subroutine context",
		SignalDelivered:       "A signal was broadcast into a subroutine context",
		ErrorDelivered:        "An error was delivered into a subroutine context",
		EscalationDelivered:   "An escalation was delivered into a subroutine context",
		DeliveryMissed:        "A delivery named a subroutine instance the run does not track",
		DecisionResolved:      "A branch point was resolved",
		DecisionDeferred:      "A branch point was deferred to an external actor",
		DecisionReused:        "A previously resolved branch point was reused",
		BranchSuspended:       "A branch suspended waiting for input or a decision",
		BranchResumed:         "A suspended branch resumed",
		PerformanceRecorded:   "A strategy outcome was recorded",
		AdaptationRecommended: "The performance advisor recommended adapting a strategy",
	}
	executionEvents = map[ExecutionEvent]string{
		StrategyStarted:   "An execution strategy was invoked",
		StrategyCompleted: "An execution strategy returned a result",
		StrategyFailed:    "An execution strategy failed",
		StrategyFallback:  "The coordinator switched to a fallback strategy",
		InputsGenerated:   "A strategy generated missing routine inputs",
		InputsPending:     "A step is waiting for required inputs",
		ReasoningStep:     "A reasoning strategy completed one iteration",
		ToolCalled:        "A tool invocation started",
		ToolCompleted:     "A tool invocation returned",
		ToolFailed:        "A tool invocation failed",
	}
	crossCuttingEvents = map[CrossCuttingEvent]string{
		SecurityViolation: "A request violated a security policy",
		HealthChecked:     "A health check ran",
		EventsDropped:     "Buffered events were dropped",
		LimitExceeded:     "A resource limit was exceeded",
		LimitsMerged:      "Parent and child execution limits were merged",
		CostEstimated:     "A strategy produced a pre-flight cost estimate",
		UnhandledError:    "An unexpected error reached a component boundary",
		StrategyPanicked:  "An execution strategy panicked",
	}
)

// Defaults returns the metadata for every built-in event type.
func Defaults() []model.EventTypeMetadata {
	out := make([]model.EventTypeMetadata, 0,
		len(coordinationEvents)+len(processEvents)+len(executionEvents)+len(crossCuttingEvents))
	for e, desc := range coordinationEvents {
		out = append(out, model.EventTypeMetadata{Type: string(e), Category: e.Category(), Tier: model.TierCoordination, Description: desc})
	}
	for e, desc := range processEvents {
		out = append(out, model.EventTypeMetadata{Type: string(e), Category: e.Category(), Tier: model.TierProcess, Description: desc})
	}
	for e, desc := range executionEvents {
		out = append(out, model.EventTypeMetadata{Type: string(e), Category: e.Category(), Tier: model.TierExecution, Description: desc})
	}
	for e, desc := range crossCuttingEvents {
		out = append(out, model.EventTypeMetadata{Type: string(e), Category: e.Category(), Tier: model.TierCrossCutting, Description: desc})
	}
	return out
}

// RegisterDefaults seeds r with the built-in taxonomy. Calling it more than
// once leaves r unchanged.
func RegisterDefaults(r *Registry) {
	for _, m := range Defaults() {
		r.Register(m)
	}
}
