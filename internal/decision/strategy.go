// Package decision resolves branch points in a run, either immediately or by
// deferring to an external actor, and reconciles earlier resolutions when a
// run resumes.
package decision

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ashita-ai/keiro/internal/model"
)

// ErrNoValidNextNodes is returned when a branch point has no options.
var ErrNoValidNextNodes = errors.New("decision: no valid next nodes")

// Strategy picks the next node(s) at a branch point. Implementations return
// either a model.ResolvedDecision or a model.DeferredDecision carrying key.
type Strategy interface {
	Name() string
	PickOne(ctx context.Context, options []model.NodeOption, key string, sub *model.SubroutineContext) (model.Decision, error)
	PickMultiple(ctx context.Context, options []model.NodeOption, key string, sub *model.SubroutineContext) (model.Decision, error)
}

func noOptions(key string) error {
	return fmt.Errorf("%w for %q", ErrNoValidNextNodes, key)
}

// PickFirst always takes the first option, or every option for ChooseMultiple.
type PickFirst struct{}

func (PickFirst) Name() string { return "pick_first" }

func (PickFirst) PickOne(_ context.Context, options []model.NodeOption, key string, _ *model.SubroutineContext) (model.Decision, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	return model.ResolvedDecision{Type: model.ChooseOne, DecisionKey: key, Result: []string{options[0].NodeID}}, nil
}

func (PickFirst) PickMultiple(_ context.Context, options []model.NodeOption, key string, _ *model.SubroutineContext) (model.Decision, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	return model.ResolvedDecision{Type: model.ChooseMultiple, DecisionKey: key, Result: model.NodeIDs(options)}, nil
}

// PickRandom picks uniformly for ChooseOne and includes each option with
// probability one half for ChooseMultiple. The result of ChooseMultiple may be
// empty.
type PickRandom struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPickRandom returns a PickRandom drawing from rnd, or from the global
// source when rnd is nil.
func NewPickRandom(rnd *rand.Rand) *PickRandom {
	return &PickRandom{rnd: rnd}
}

func (*PickRandom) Name() string { return "pick_random" }

func (p *PickRandom) intN(n int) int {
	if p.rnd == nil {
		return rand.IntN(n) //nolint:gosec // branch selection, not security
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.IntN(n)
}

func (p *PickRandom) PickOne(_ context.Context, options []model.NodeOption, key string, _ *model.SubroutineContext) (model.Decision, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	return model.ResolvedDecision{Type: model.ChooseOne, DecisionKey: key, Result: []string{options[p.intN(len(options))].NodeID}}, nil
}

func (p *PickRandom) PickMultiple(_ context.Context, options []model.NodeOption, key string, _ *model.SubroutineContext) (model.Decision, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	result := make([]string, 0, len(options))
	for _, o := range options {
		if p.intN(2) == 1 {
			result = append(result, o.NodeID)
		}
	}
	return model.ResolvedDecision{Type: model.ChooseMultiple, DecisionKey: key, Result: result}, nil
}

// Deferring hands every branch point to an external actor, typically a user.
// The run suspends until a resolution is submitted for the key.
type Deferring struct{}

func (Deferring) Name() string { return "user_directed" }

func (Deferring) PickOne(_ context.Context, options []model.NodeOption, key string, _ *model.SubroutineContext) (model.Decision, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	return model.DeferredDecision{Type: model.ChooseOne, DecisionKey: key}, nil
}

func (Deferring) PickMultiple(_ context.Context, options []model.NodeOption, key string, _ *model.SubroutineContext) (model.Decision, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	return model.DeferredDecision{Type: model.ChooseMultiple, DecisionKey: key}, nil
}

// Chooser is a backend that ranks options, typically a model call. Returning
// no node ids means the backend could not decide.
type Chooser interface {
	Choose(ctx context.Context, options []model.NodeOption, multiple bool, sub *model.SubroutineContext) ([]string, error)
}

// ModelDirected delegates to a Chooser. Answers naming unknown nodes are
// discarded; an empty answer defers the decision.
type ModelDirected struct {
	Chooser Chooser
}

func (ModelDirected) Name() string { return "model_directed" }

func (m ModelDirected) PickOne(ctx context.Context, options []model.NodeOption, key string, sub *model.SubroutineContext) (model.Decision, error) {
	ids, err := m.choose(ctx, options, false, key, sub)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return model.DeferredDecision{Type: model.ChooseOne, DecisionKey: key}, nil
	}
	return model.ResolvedDecision{Type: model.ChooseOne, DecisionKey: key, Result: ids[:1]}, nil
}

func (m ModelDirected) PickMultiple(ctx context.Context, options []model.NodeOption, key string, sub *model.SubroutineContext) (model.Decision, error) {
	ids, err := m.choose(ctx, options, true, key, sub)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return model.DeferredDecision{Type: model.ChooseMultiple, DecisionKey: key}, nil
	}
	return model.ResolvedDecision{Type: model.ChooseMultiple, DecisionKey: key, Result: ids}, nil
}

func (m ModelDirected) choose(ctx context.Context, options []model.NodeOption, multiple bool, key string, sub *model.SubroutineContext) ([]string, error) {
	if len(options) == 0 {
		return nil, noOptions(key)
	}
	picked, err := m.Chooser.Choose(ctx, options, multiple, sub)
	if err != nil {
		return nil, fmt.Errorf("decision: model choice for %q: %w", key, err)
	}
	valid := make(map[string]bool, len(options))
	for _, o := range options {
		valid[o.NodeID] = true
	}
	out := make([]string, 0, len(picked))
	for _, id := range picked {
		if valid[id] {
			out = append(out, id)
			valid[id] = false
		}
	}
	return out, nil
}
