// Package runs is the run service: it owns run state and drives deliveries,
// decisions, and step execution against it. The HTTP API, MCP tools, the
// NATS consumer, and the CLI all delegate here.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/keiro/internal/ctxutil"
	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/delivery"
	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/storage"
	"github.com/ashita-ai/keiro/internal/strategy"
	"github.com/ashita-ai/keiro/internal/telemetry"
)

var (
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("runs: invalid input")
	// ErrInstanceNotFound is returned when a subroutine instance is not part of the run.
	ErrInstanceNotFound = errors.New("runs: subroutine instance not found")
)

// Store persists runs. UpdateRun must serialize writers per run.
type Store interface {
	CreateRun(ctx context.Context, run *model.RunProgress) error
	GetRun(ctx context.Context, runID uuid.UUID) (*model.RunProgress, error)
	UpdateRun(ctx context.Context, runID uuid.UUID, fn func(*model.RunProgress) error) (*model.RunProgress, error)
	ListRuns(ctx context.Context, limit int) ([]*model.RunProgress, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]model.Event, error)
}

// Config wires a Service.
type Config struct {
	Store       Store
	Catalog     Catalog
	Coordinator *strategy.Coordinator
	// Decisions picks branches. Defaults to decision.PickFirst.
	Decisions   decision.Strategy
	Emitter     events.Emitter
	Logger      *slog.Logger
	MaxParallel int
	// StrictLimits forces pre-flight estimate checks on every run.
	StrictLimits bool
}

// Service implements the run operations.
type Service struct {
	store       Store
	catalog     Catalog
	coordinator *strategy.Coordinator
	decisions   decision.Strategy
	emitter     events.Emitter
	logger      *slog.Logger
	maxParallel int
	strict      bool
	tracer      trace.Tracer
}

// New creates a run service.
func New(cfg Config) *Service {
	if cfg.Decisions == nil {
		cfg.Decisions = decision.PickFirst{}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = StaticCatalog{}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Service{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		coordinator: cfg.Coordinator,
		decisions:   cfg.Decisions,
		emitter:     cfg.Emitter,
		logger:      cfg.Logger,
		maxParallel: cfg.MaxParallel,
		strict:      cfg.StrictLimits,
		tracer:      telemetry.Tracer("keiro/runs"),
	}
}

// Coordinator returns the strategy coordinator.
func (s *Service) Coordinator() *strategy.Coordinator { return s.coordinator }

// DecisionStrategy returns the active decision strategy.
func (s *Service) DecisionStrategy() decision.Strategy { return s.decisions }

// StartInput describes a new run.
type StartInput struct {
	RunID       *uuid.UUID
	Subroutines []model.SubroutineInput
	Limits      model.ResourceLimits
}

// Start creates a run with one active subroutine context per input.
func (s *Service) Start(ctx context.Context, in StartInput) (*model.RunProgress, error) {
	if len(in.Subroutines) == 0 {
		return nil, fmt.Errorf("%w: a run needs at least one subroutine", ErrInvalidInput)
	}
	runID := uuid.New()
	if in.RunID != nil {
		runID = *in.RunID
	}
	run := model.NewRunProgress(runID)
	run.Limits = in.Limits
	run.Limits.StrictLimits = run.Limits.StrictLimits || s.strict
	for _, sub := range in.Subroutines {
		if sub.InstanceID == "" {
			return nil, fmt.Errorf("%w: subroutine instance_id is required", ErrInvalidInput)
		}
		if _, dup := run.Subcontexts[sub.InstanceID]; dup {
			return nil, fmt.Errorf("%w: duplicate instance_id %q", ErrInvalidInput, sub.InstanceID)
		}
		run.Subcontexts[sub.InstanceID] = &model.SubroutineContext{
			InstanceID: sub.InstanceID,
			RoutineID:  sub.RoutineID,
			Status:     model.SubroutineActive,
			Variables:  maps.Clone(sub.Variables),
		}
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	ctx = s.scope(ctx, runID)
	events.Emit(ctx, s.emitter, events.RunStarted, "runs", runID.String(), events.WithData(map[string]any{
		"run_id":    runID.String(),
		"instances": run.InstanceIDs(),
	}))
	s.logger.Info("runs: started", "run_id", runID, "instances", len(run.Subcontexts))
	return run, nil
}

// Get returns the current state of a run.
func (s *Service) Get(ctx context.Context, runID uuid.UUID) (*model.RunProgress, error) {
	return s.store.GetRun(ctx, runID)
}

// List returns the most recently updated runs.
func (s *Service) List(ctx context.Context, limit int) ([]*model.RunProgress, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	return s.store.ListRuns(ctx, limit)
}

// Events returns the persisted events correlated with a run.
func (s *Service) Events(ctx context.Context, runID uuid.UUID, eventType string, limit int) ([]model.Event, error) {
	return s.store.ListEvents(ctx, storage.EventFilter{CorrelationID: runID.String(), Type: eventType, Limit: limit})
}

// Deliver applies a batch of external events to a run under the run's
// writer lock. Events raised by the delivery are published after commit.
func (s *Service) Deliver(ctx context.Context, runID uuid.UUID, batch delivery.Batch) ([]delivery.Report, error) {
	if batch.Len() == 0 {
		return nil, fmt.Errorf("%w: empty delivery batch", ErrInvalidInput)
	}
	ctx = s.scope(ctx, runID)
	ctx, span := s.tracer.Start(ctx, "runs.deliver", trace.WithAttributes(
		attribute.String("keiro.run_id", runID.String()),
		attribute.Int("keiro.deliveries", batch.Len()),
	))
	defer span.End()

	box := &outbox{}
	var reports []delivery.Report
	_, err := s.store.UpdateRun(ctx, runID, func(run *model.RunProgress) error {
		box.reset()
		reports = delivery.NewBus(box, s.logger).DeliverMultipleEvents(ctx, batch, run)
		return nil
	})
	if err != nil {
		return nil, err
	}
	box.flush(ctx, s.emitter)
	return reports, nil
}

// DeliverMessage delivers one message to targets, or to every instance when
// targets is empty.
func (s *Service) DeliverMessage(ctx context.Context, runID uuid.UUID, messageID string, targets []string) (delivery.Report, error) {
	if messageID == "" {
		return delivery.Report{}, fmt.Errorf("%w: message_id is required", ErrInvalidInput)
	}
	return s.deliverOne(ctx, runID, delivery.Batch{Messages: []delivery.MessageDelivery{{MessageID: messageID, Targets: targets}}})
}

// DeliverSignal broadcasts a signal to every instance.
func (s *Service) DeliverSignal(ctx context.Context, runID uuid.UUID, signalID string) (delivery.Report, error) {
	if signalID == "" {
		return delivery.Report{}, fmt.Errorf("%w: signal_id is required", ErrInvalidInput)
	}
	return s.deliverOne(ctx, runID, delivery.Batch{Signals: []string{signalID}})
}

// DeliverError delivers an error code to one instance.
func (s *Service) DeliverError(ctx context.Context, runID uuid.UUID, code, instanceID string) (delivery.Report, error) {
	if code == "" || instanceID == "" {
		return delivery.Report{}, fmt.Errorf("%w: code and instance_id are required", ErrInvalidInput)
	}
	return s.deliverOne(ctx, runID, delivery.Batch{Errors: []delivery.CodeDelivery{{Code: code, InstanceID: instanceID}}})
}

// DeliverEscalation delivers an escalation code to one instance.
func (s *Service) DeliverEscalation(ctx context.Context, runID uuid.UUID, code, instanceID string) (delivery.Report, error) {
	if code == "" || instanceID == "" {
		return delivery.Report{}, fmt.Errorf("%w: code and instance_id are required", ErrInvalidInput)
	}
	return s.deliverOne(ctx, runID, delivery.Batch{Escalations: []delivery.CodeDelivery{{Code: code, InstanceID: instanceID}}})
}

func (s *Service) deliverOne(ctx context.Context, runID uuid.UUID, b delivery.Batch) (delivery.Report, error) {
	reports, err := s.Deliver(ctx, runID, b)
	if err != nil {
		return delivery.Report{}, err
	}
	return reports[0], nil
}

// Resolve records externally made decisions on a run, typically answers to
// deferred branch points. The next Advance at that branch reuses them.
func (s *Service) Resolve(ctx context.Context, runID uuid.UUID, decisions ...model.Decision) (*model.RunProgress, error) {
	if len(decisions) == 0 {
		return nil, fmt.Errorf("%w: no decisions", ErrInvalidInput)
	}
	for _, d := range decisions {
		if err := validateDecision(d); err != nil {
			return nil, err
		}
	}
	ctx = s.scope(ctx, runID)
	box := &outbox{}
	run, err := s.store.UpdateRun(ctx, runID, func(run *model.RunProgress) error {
		box.reset()
		decision.NewEngine(s.decisions, box, s.logger).Submit(ctx, run, decisions...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	box.flush(ctx, s.emitter)
	return run, nil
}

func validateDecision(d model.Decision) error {
	if d == nil || d.Key() == "" {
		return fmt.Errorf("%w: decision key is required", ErrInvalidInput)
	}
	switch t := d.DecisionType(); t {
	case model.ChooseOne, model.ChooseMultiple:
	default:
		return fmt.Errorf("%w: decision %q: unknown decision_type %q", ErrInvalidInput, d.Key(), t)
	}
	r, ok := d.(model.ResolvedDecision)
	if !ok {
		return nil
	}
	switch {
	case r.Result == nil:
		return fmt.Errorf("%w: decision %q: resolved decision has no result", ErrInvalidInput, r.DecisionKey)
	case r.Type == model.ChooseOne && len(r.Result) != 1:
		return fmt.Errorf("%w: decision %q: chooseOne needs exactly one node, got %d", ErrInvalidInput, r.DecisionKey, len(r.Result))
	}
	return nil
}

// scope tags ctx so every event raised for the run shares its correlation id.
func (s *Service) scope(ctx context.Context, runID uuid.UUID) context.Context {
	return ctxutil.WithCorrelationID(ctx, runID.String())
}

func stepID(runID uuid.UUID, instanceID, nodeID string) string {
	return fmt.Sprintf("%s/%s/%s@%d", runID, instanceID, nodeID, time.Now().UnixNano())
}
