// Package limits checks accumulated resource usage against a step's budget
// and merges nested budgets. Check and Merge are pure.
package limits

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/keiro/internal/model"
)

// ErrLimitExceeded matches every *ExceededError.
var ErrLimitExceeded = errors.New("limits: resource limit exceeded")

// Resource names the limit that tripped.
type Resource string

const (
	ResourceCredits        Resource = "credits"
	ResourceTime           Resource = "time"
	ResourceToolCalls      Resource = "tool_calls"
	ResourceReasoningSteps Resource = "reasoning_steps"
)

// Result is the outcome of a limit check.
type Result struct {
	Exceeded bool     `json:"exceeded"`
	Resource Resource `json:"resource,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Err returns nil for a passing result and an *ExceededError otherwise.
func (r Result) Err() error {
	if !r.Exceeded {
		return nil
	}
	return &ExceededError{Resource: r.Resource, Reason: r.Reason}
}

// ExceededError reports which limit tripped.
type ExceededError struct {
	Resource Resource
	Reason   string
}

func (e *ExceededError) Error() string { return e.Reason }

func (e *ExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Check compares usage against limits in a fixed order: credits, then elapsed
// time, then tool calls. It reports the first limit reached. Unset limits
// never trip.
func Check(l model.ResourceLimits, u model.ResourceUsage) Result {
	if l.MaxCredits != nil && u.CreditsUsed >= *l.MaxCredits {
		return Result{
			Exceeded: true,
			Resource: ResourceCredits,
			Reason:   fmt.Sprintf("Credit limit exceeded: %d >= %d", u.CreditsUsed, *l.MaxCredits),
		}
	}
	if l.MaxTimeMs != nil && u.TimeElapsedMs >= *l.MaxTimeMs {
		return Result{
			Exceeded: true,
			Resource: ResourceTime,
			Reason:   fmt.Sprintf("Time limit exceeded: %dms >= %dms", u.TimeElapsedMs, *l.MaxTimeMs),
		}
	}
	if l.MaxToolCalls != nil && u.ToolCallsCount >= *l.MaxToolCalls {
		return Result{
			Exceeded: true,
			Resource: ResourceToolCalls,
			Reason:   fmt.Sprintf("Tool call limit exceeded: %d >= %d", u.ToolCallsCount, *l.MaxToolCalls),
		}
	}
	return Result{}
}

// CheckReasoning checks the reasoning-step budget. It is separate from Check
// so that Check's ordering stays stable for diagnostics.
func CheckReasoning(l model.ResourceLimits, u model.ResourceUsage) Result {
	if l.MaxReasoningSteps != nil && u.ReasoningSteps >= *l.MaxReasoningSteps {
		return Result{
			Exceeded: true,
			Resource: ResourceReasoningSteps,
			Reason:   fmt.Sprintf("Reasoning step limit exceeded: %d >= %d", u.ReasoningSteps, *l.MaxReasoningSteps),
		}
	}
	return Result{}
}

// CheckAll runs Check and then CheckReasoning.
func CheckAll(l model.ResourceLimits, u model.ResourceUsage) Result {
	if r := Check(l, u); r.Exceeded {
		return r
	}
	return CheckReasoning(l, u)
}

// Overshoot reports a limit that usage has gone past, as opposed to merely
// reached. A step ends at or under its limits when each charge is checked
// before it is made, so a strict overshoot means the last charge was larger
// than what was left.
func Overshoot(l model.ResourceLimits, u model.ResourceUsage) Result {
	over := func(limit *int64, used int64) bool { return limit != nil && used > *limit }
	switch {
	case over(l.MaxCredits, u.CreditsUsed):
		return Result{Exceeded: true, Resource: ResourceCredits,
			Reason: fmt.Sprintf("Credit limit exceeded: %d > %d", u.CreditsUsed, *l.MaxCredits)}
	case over(l.MaxTimeMs, u.TimeElapsedMs):
		return Result{Exceeded: true, Resource: ResourceTime,
			Reason: fmt.Sprintf("Time limit exceeded: %dms > %dms", u.TimeElapsedMs, *l.MaxTimeMs)}
	case over(l.MaxToolCalls, u.ToolCallsCount):
		return Result{Exceeded: true, Resource: ResourceToolCalls,
			Reason: fmt.Sprintf("Tool call limit exceeded: %d > %d", u.ToolCallsCount, *l.MaxToolCalls)}
	case over(l.MaxReasoningSteps, u.ReasoningSteps):
		return Result{Exceeded: true, Resource: ResourceReasoningSteps,
			Reason: fmt.Sprintf("Reasoning step limit exceeded: %d > %d", u.ReasoningSteps, *l.MaxReasoningSteps)}
	}
	return Result{}
}

// Split hands what is left of l after used to n steps that run in parallel.
// Credits, tool calls and reasoning steps are divided so the shares add up to
// the remainder, earlier shares taking the odd units. Time is wall clock, so
// every share gets all of the remaining time. Unset limits stay unset.
func Split(l model.ResourceLimits, used model.ResourceUsage, n int) []model.ResourceLimits {
	if n <= 0 {
		return nil
	}
	credits := Remaining(l.MaxCredits, used.CreditsUsed)
	tools := Remaining(l.MaxToolCalls, used.ToolCallsCount)
	reasoning := Remaining(l.MaxReasoningSteps, used.ReasoningSteps)
	timeLeft := Remaining(l.MaxTimeMs, used.TimeElapsedMs)

	out := make([]model.ResourceLimits, n)
	for i := range out {
		out[i] = model.ResourceLimits{
			MaxCredits:        share(credits, n, i),
			MaxToolCalls:      share(tools, n, i),
			MaxReasoningSteps: share(reasoning, n, i),
			MaxTimeMs:         share(timeLeft, 1, 0),
			StrictLimits:      l.StrictLimits,
		}
	}
	return out
}

// share is the i-th of n near-equal parts of total.
func share(total *int64, n, i int) *int64 {
	if total == nil {
		return nil
	}
	v := *total / int64(n)
	if int64(i) < *total%int64(n) {
		v++
	}
	return &v
}

// Merge derives a child execution context from its parent. Each numeric limit
// takes the smaller of the two values, or whichever one is set. StrictLimits is
// the OR of both. The child's other fields win, except ParentSwarmContext,
// which falls back to the parent's when the child has none.
//
// Merge can only tighten an ancestor's budget, so merging grandparent, parent,
// and child in either grouping gives the same limits.
func Merge(parent, child model.ExecutionContext) model.ExecutionContext {
	merged := child
	merged.Limits = model.ResourceLimits{
		MaxCredits:        minLimit(parent.Limits.MaxCredits, child.Limits.MaxCredits),
		MaxTimeMs:         minLimit(parent.Limits.MaxTimeMs, child.Limits.MaxTimeMs),
		MaxToolCalls:      minLimit(parent.Limits.MaxToolCalls, child.Limits.MaxToolCalls),
		MaxReasoningSteps: minLimit(parent.Limits.MaxReasoningSteps, child.Limits.MaxReasoningSteps),
		StrictLimits:      parent.Limits.StrictLimits || child.Limits.StrictLimits,
	}
	if merged.ParentSwarmContext == nil && parent.ParentSwarmContext != nil {
		ref := *parent.ParentSwarmContext
		merged.ParentSwarmContext = &ref
	}
	return merged
}

// MergeLimits applies Merge's limit rule to bare limit records.
func MergeLimits(parent, child model.ResourceLimits) model.ResourceLimits {
	return Merge(model.ExecutionContext{Limits: parent}, model.ExecutionContext{Limits: child}).Limits
}

func minLimit(a, b *int64) *int64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	}
	v := min(*a, *b)
	return &v
}
