package limits

import (
	"sync"
	"time"

	"github.com/ashita-ai/keiro/internal/model"
)

// Budget accumulates one step's usage against its limits. It is safe for
// concurrent use. Usage is never reset, so partial cost survives cancellation.
type Budget struct {
	limits model.ResourceLimits
	start  time.Time
	now    func() time.Time

	mu    sync.Mutex
	usage model.ResourceUsage
}

// NewBudget starts the clock for a step bounded by limits.
func NewBudget(limits model.ResourceLimits) *Budget {
	return newBudgetWithClock(limits, time.Now)
}

func newBudgetWithClock(limits model.ResourceLimits, now func() time.Time) *Budget {
	return &Budget{limits: limits, start: now(), now: now}
}

// Limits returns the limits this budget enforces.
func (b *Budget) Limits() model.ResourceLimits { return b.limits }

// Charge records spent credits.
func (b *Budget) Charge(credits int64) {
	b.mu.Lock()
	b.usage.CreditsUsed += credits
	b.mu.Unlock()
}

// ToolCall records one tool invocation.
func (b *Budget) ToolCall() {
	b.mu.Lock()
	b.usage.ToolCallsCount++
	b.mu.Unlock()
}

// ReasoningStep records one reasoning iteration.
func (b *Budget) ReasoningStep() {
	b.mu.Lock()
	b.usage.ReasoningSteps++
	b.mu.Unlock()
}

// Usage returns the usage so far, with elapsed time measured now.
func (b *Budget) Usage() model.ResourceUsage {
	b.mu.Lock()
	u := b.usage
	b.mu.Unlock()
	u.TimeElapsedMs = b.now().Sub(b.start).Milliseconds()
	return u
}

// Check returns an *ExceededError once the credit, time or tool call limit
// has been reached. Tool calls are gated by it, so a step with no reasoning
// budget left can still run its declared tools.
func (b *Budget) Check() error {
	return Check(b.limits, b.Usage()).Err()
}

// CheckReasoning is Check plus the reasoning step limit. Reasoning strategies
// call it before each iteration.
func (b *Budget) CheckReasoning() error {
	return CheckAll(b.limits, b.Usage()).Err()
}

// Remaining reports how much of limit is left after usage, or nil when the
// limit is unset.
func Remaining(limit *int64, used int64) *int64 {
	if limit == nil {
		return nil
	}
	v := max(*limit-used, 0)
	return &v
}
