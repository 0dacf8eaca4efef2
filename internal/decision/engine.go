package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/model"
)

// GenerateDecisionKey builds the key a branch point is recorded under.
func GenerateDecisionKey(branchID, decisionContext string) string {
	return branchID + "." + decisionContext
}

// UpdateDecisionOptions returns existing with every decision whose key also
// appears in incoming replaced in place, followed by the remaining incoming
// decisions in order. Later incoming entries win over earlier ones with the
// same key. Neither input is modified.
func UpdateDecisionOptions(existing, incoming []model.Decision) []model.Decision {
	latest := make(map[string]model.Decision, len(incoming))
	order := make([]string, 0, len(incoming))
	for _, d := range incoming {
		if _, seen := latest[d.Key()]; !seen {
			order = append(order, d.Key())
		}
		latest[d.Key()] = d
	}

	out := make([]model.Decision, 0, len(existing)+len(incoming))
	used := make(map[string]bool, len(incoming))
	for _, d := range existing {
		if repl, ok := latest[d.Key()]; ok {
			if !used[d.Key()] {
				out = append(out, repl)
				used[d.Key()] = true
			}
			continue
		}
		out = append(out, d)
	}
	for _, k := range order {
		if !used[k] {
			out = append(out, latest[k])
		}
	}
	return out
}

// Engine resolves branch points for runs using one Strategy. The run passed
// to its methods must not be mutated concurrently.
type Engine struct {
	strategy Strategy
	emitter  events.Emitter
	logger   *slog.Logger
}

// NewEngine creates an engine. A nil emitter discards events.
func NewEngine(strategy Strategy, emitter events.Emitter, logger *slog.Logger) *Engine {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Engine{strategy: strategy, emitter: emitter, logger: logger}
}

// Strategy returns the engine's strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// ChooseOne returns the decision for key. A resolved ChooseOne decision
// already on the run is returned without consulting the strategy. Deferred
// decisions are never reused; the strategy is asked again.
func (e *Engine) ChooseOne(ctx context.Context, run *model.RunProgress, options []model.NodeOption, key string, sub *model.SubroutineContext) (model.Decision, error) {
	return e.choose(ctx, run, options, key, sub, model.ChooseOne)
}

// ChooseMultiple is ChooseOne for multi-choice branch points.
func (e *Engine) ChooseMultiple(ctx context.Context, run *model.RunProgress, options []model.NodeOption, key string, sub *model.SubroutineContext) (model.Decision, error) {
	return e.choose(ctx, run, options, key, sub, model.ChooseMultiple)
}

// Submit records externally supplied decisions on run, replacing any with
// the same key. This is how a deferred branch point gets resolved.
func (e *Engine) Submit(ctx context.Context, run *model.RunProgress, decisions ...model.Decision) {
	run.Decisions = UpdateDecisionOptions(run.Decisions, decisions)
	for _, d := range decisions {
		typ := events.DecisionResolved
		if _, deferred := d.(model.DeferredDecision); deferred {
			typ = events.DecisionDeferred
		}
		e.emit(ctx, run, d, typ)
	}
}

func (e *Engine) choose(ctx context.Context, run *model.RunProgress, options []model.NodeOption, key string, sub *model.SubroutineContext, typ model.DecisionType) (model.Decision, error) {
	if existing, ok := run.Decision(key); ok {
		if resolved, ok := existing.(model.ResolvedDecision); ok && resolved.Type == typ {
			e.emit(ctx, run, resolved, events.DecisionReused)
			return resolved, nil
		}
	}

	var (
		d   model.Decision
		err error
	)
	if typ == model.ChooseOne {
		d, err = e.strategy.PickOne(ctx, options, key, sub)
	} else {
		d, err = e.strategy.PickMultiple(ctx, options, key, sub)
	}
	if err != nil {
		return nil, err
	}
	if d == nil || d.Key() != key {
		return nil, fmt.Errorf("decision: strategy %s returned a decision for the wrong key", e.strategy.Name())
	}

	run.Decisions = UpdateDecisionOptions(run.Decisions, []model.Decision{d})

	switch d.(type) {
	case model.ResolvedDecision:
		e.emit(ctx, run, d, events.DecisionResolved)
	case model.DeferredDecision:
		e.logger.Debug("decision: deferred", "run_id", run.RunID, "key", key, "strategy", e.strategy.Name())
		e.emit(ctx, run, d, events.DecisionDeferred)
	}
	return d, nil
}

func (e *Engine) emit(ctx context.Context, run *model.RunProgress, d model.Decision, typ events.ProcessEvent) {
	data := map[string]any{
		"run_id":        run.RunID.String(),
		"key":           d.Key(),
		"decision_type": string(d.DecisionType()),
		"strategy":      e.strategy.Name(),
	}
	if r, ok := d.(model.ResolvedDecision); ok {
		data["result"] = r.Result
	}
	events.Emit(ctx, e.emitter, typ, "decision", run.RunID.String(), events.WithData(data))
}

// Registry holds decision strategies by name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(PickFirst{})
	r.Register(NewPickRandom(nil))
	r.Register(Deferring{})
	return r
}

// Register adds or replaces s under s.Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	r.strategies[s.Name()] = s
	r.mu.Unlock()
}

// Get returns the strategy named name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
