// Package delivery applies externally sourced messages, signals, errors, and
// escalations to the subroutine contexts of a run. It does not listen on any
// transport; webhook handlers and queue consumers call into it.
//
// None of the Bus methods are safe to call concurrently on the same run.
// Repeated deliveries are recorded again; callers that need exactly-once
// semantics de-duplicate upstream.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/model"
)

// Report lists where one delivery landed.
type Report struct {
	Kind      model.RuntimeEventKind `json:"kind"`
	Ref       string                 `json:"ref"`
	Delivered []string               `json:"delivered"`
	Missing   []string               `json:"missing,omitempty"`
}

// OK reports whether every addressed instance received the event.
func (r Report) OK() bool { return len(r.Missing) == 0 }

// MessageDelivery is one message in a batch. Nil Targets means every instance.
type MessageDelivery struct {
	MessageID string   `json:"message_id"`
	Targets   []string `json:"targets,omitempty"`
}

// CodeDelivery is one error or escalation in a batch.
type CodeDelivery struct {
	Code       string `json:"code"`
	InstanceID string `json:"instance_id"`
}

// Batch is a heterogeneous set of deliveries.
type Batch struct {
	Messages    []MessageDelivery `json:"messages,omitempty"`
	Signals     []string          `json:"signals,omitempty"`
	Errors      []CodeDelivery    `json:"errors,omitempty"`
	Escalations []CodeDelivery    `json:"escalations,omitempty"`
}

// Len returns the number of deliveries in b.
func (b Batch) Len() int {
	return len(b.Messages) + len(b.Signals) + len(b.Errors) + len(b.Escalations)
}

// Bus routes inbound deliveries into run state.
type Bus struct {
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewBus creates a bus. A nil emitter discards events.
func NewBus(emitter events.Emitter, logger *slog.Logger) *Bus {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Bus{
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(ulid.DefaultEntropy(), 0),
	}
}

// DeliverMessage records messageID on each target. Empty targets means every
// instance the run tracks.
func (b *Bus) DeliverMessage(ctx context.Context, messageID string, run *model.RunProgress, targets []string) Report {
	if len(targets) == 0 {
		targets = run.InstanceIDs()
	}
	return b.deliver(ctx, run, model.RuntimeMessage, messageID, targets)
}

// DeliverSignal broadcasts signalID to every instance.
func (b *Bus) DeliverSignal(ctx context.Context, signalID string, run *model.RunProgress) Report {
	return b.deliver(ctx, run, model.RuntimeSignal, signalID, run.InstanceIDs())
}

// DeliverError records errorCode on exactly one instance.
func (b *Bus) DeliverError(ctx context.Context, errorCode, instanceID string, run *model.RunProgress) Report {
	return b.deliver(ctx, run, model.RuntimeError, errorCode, []string{instanceID})
}

// DeliverEscalation records escalationCode on exactly one instance.
func (b *Bus) DeliverEscalation(ctx context.Context, escalationCode, instanceID string, run *model.RunProgress) Report {
	return b.deliver(ctx, run, model.RuntimeEscalation, escalationCode, []string{instanceID})
}

// DeliverMultipleEvents applies batch in a fixed order: messages, signals,
// errors, escalations. A missing instance never stops the rest of the batch.
func (b *Bus) DeliverMultipleEvents(ctx context.Context, batch Batch, run *model.RunProgress) []Report {
	reports := make([]Report, 0, batch.Len())
	for _, m := range batch.Messages {
		reports = append(reports, b.DeliverMessage(ctx, m.MessageID, run, m.Targets))
	}
	for _, s := range batch.Signals {
		reports = append(reports, b.DeliverSignal(ctx, s, run))
	}
	for _, e := range batch.Errors {
		reports = append(reports, b.DeliverError(ctx, e.Code, e.InstanceID, run))
	}
	for _, e := range batch.Escalations {
		reports = append(reports, b.DeliverEscalation(ctx, e.Code, e.InstanceID, run))
	}
	return reports
}

func (b *Bus) deliver(ctx context.Context, run *model.RunProgress, kind model.RuntimeEventKind, ref string, targets []string) Report {
	report := Report{Kind: kind, Ref: ref, Delivered: make([]string, 0, len(targets))}
	now := b.now()

	for _, id := range targets {
		sub, ok := run.Subcontexts[id]
		if !ok || sub == nil {
			report.Missing = append(report.Missing, id)
			continue
		}
		sub.RuntimeEvents = append(sub.RuntimeEvents, model.RuntimeEvent{
			ID:         b.newID(now),
			Kind:       kind,
			Ref:        ref,
			ReceivedAt: now,
		})
		report.Delivered = append(report.Delivered, id)
	}
	if len(report.Delivered) > 0 {
		run.UpdatedAt = now
	}

	runID := run.RunID.String()
	for _, id := range report.Delivered {
		events.Emit(ctx, b.emitter, deliveredEvent(kind), "delivery", runID, events.WithData(map[string]any{
			"run_id":      runID,
			"instance_id": id,
			"ref":         ref,
		}))
	}
	if len(report.Missing) > 0 {
		b.logger.Warn("delivery: target instances not found",
			"run_id", run.RunID, "kind", kind, "ref", ref, "missing", report.Missing)
		events.Emit(ctx, b.emitter, events.DeliveryMissed, "delivery", runID,
			events.WithPriority(model.PriorityHigh),
			events.WithData(map[string]any{
				"run_id":  runID,
				"kind":    string(kind),
				"ref":     ref,
				"missing": report.Missing,
			}))
	}
	return report
}

func (b *Bus) newID(t time.Time) string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}

func deliveredEvent(kind model.RuntimeEventKind) events.ProcessEvent {
	switch kind {
	case model.RuntimeMessage:
		return events.MessageDelivered
	case model.RuntimeSignal:
		return events.SignalDelivered
	case model.RuntimeError:
		return events.ErrorDelivered
	case model.RuntimeEscalation:
		return events.EscalationDelivered
	}
	return events.DeliveryMissed
}
