package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// RuntimeEventKind is the kind of externally delivered event recorded on a
// subroutine context.
type RuntimeEventKind string

const (
	RuntimeMessage    RuntimeEventKind = "message"
	RuntimeSignal     RuntimeEventKind = "signal"
	RuntimeError      RuntimeEventKind = "error"
	RuntimeEscalation RuntimeEventKind = "escalation"
)

// RuntimeEvent records one inbound delivery into a subroutine context.
// IDs are ULIDs so per-context order survives a round trip through storage.
type RuntimeEvent struct {
	ID         string           `json:"id"`
	Kind       RuntimeEventKind `json:"kind"`
	Ref        string           `json:"ref"`
	ReceivedAt time.Time        `json:"received_at"`
}

// SubroutineStatus is the coarse state of a branch.
type SubroutineStatus string

const (
	SubroutineActive    SubroutineStatus = "active"
	SubroutineWaiting   SubroutineStatus = "waiting"
	SubroutineCompleted SubroutineStatus = "completed"
	SubroutineFailed    SubroutineStatus = "failed"

	// SubroutineLimitExceeded is a budget stop. It is terminal like failed
	// but is not an error of the routine or its strategy.
	SubroutineLimitExceeded SubroutineStatus = "limit_exceeded"
)

// StepRecord is the persisted outcome of one executed step.
type StepRecord struct {
	StepID   string          `json:"step_id"`
	NodeID   string          `json:"node_id"`
	Strategy string          `json:"strategy"`
	Status   ExecutionStatus `json:"status"`
	Outputs  map[string]any  `json:"outputs,omitempty"`
	Usage    ResourceUsage   `json:"usage"`
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
}

// SubroutineContext is the per-branch execution state that runtime events
// are delivered into.
type SubroutineContext struct {
	InstanceID    string           `json:"instance_id"`
	RoutineID     string           `json:"routine_id"`
	Status        SubroutineStatus `json:"status"`
	Variables     map[string]any   `json:"variables,omitempty"`
	RuntimeEvents []RuntimeEvent   `json:"runtime_events,omitempty"`
	Results       []StepRecord     `json:"results,omitempty"`
}

// EventsOfKind returns the runtime events of the given kind in arrival order.
func (s *SubroutineContext) EventsOfKind(kind RuntimeEventKind) []RuntimeEvent {
	var out []RuntimeEvent
	for _, e := range s.RuntimeEvents {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// RunProgress is the mutable aggregate for one in-flight run.
// Not safe for concurrent mutation; callers serialize writers per run.
type RunProgress struct {
	RunID       uuid.UUID                     `json:"run_id"`
	Subcontexts map[string]*SubroutineContext `json:"subcontexts"`
	Decisions   Decisions                     `json:"decisions"`
	Limits      ResourceLimits                `json:"limits"`
	// Usage is what every executed step has consumed so far, charged against
	// Limits. Time is wall clock: a parallel fan-out adds its slowest step.
	Usage       ResourceUsage                 `json:"usage"`
	Version     int64                         `json:"version"`
	CreatedAt   time.Time                     `json:"created_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
}

// NewRunProgress returns an empty run with the given id.
func NewRunProgress(runID uuid.UUID) *RunProgress {
	now := time.Now().UTC()
	return &RunProgress{
		RunID:       runID,
		Subcontexts: make(map[string]*SubroutineContext),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// InstanceIDs returns the subroutine instance ids in sorted order.
func (r *RunProgress) InstanceIDs() []string {
	ids := make([]string, 0, len(r.Subcontexts))
	for id := range r.Subcontexts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Decision returns the decision recorded under key, if any.
func (r *RunProgress) Decision(key string) (Decision, bool) {
	for _, d := range r.Decisions {
		if d.Key() == key {
			return d, true
		}
	}
	return nil, false
}
