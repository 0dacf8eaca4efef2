package model

import (
	"encoding/json"
	"fmt"
)

// DecisionType distinguishes single-choice from multi-choice branch points.
type DecisionType string

const (
	ChooseOne      DecisionType = "chooseOne"
	ChooseMultiple DecisionType = "chooseMultiple"
)

// Decision is either a ResolvedDecision or a DeferredDecision.
// The unexported method closes the set.
type Decision interface {
	Key() string
	DecisionType() DecisionType
	decision()
}

// ResolvedDecision is a branch point whose outcome is known.
// For ChooseOne, Result has exactly one element.
type ResolvedDecision struct {
	Type        DecisionType `json:"decision_type"`
	DecisionKey string       `json:"key"`
	Result      []string     `json:"result"`
}

func (d ResolvedDecision) Key() string                { return d.DecisionKey }
func (d ResolvedDecision) DecisionType() DecisionType { return d.Type }
func (ResolvedDecision) decision()                    {}

// Node returns the single chosen node for a ChooseOne decision.
func (d ResolvedDecision) Node() string {
	if len(d.Result) == 0 {
		return ""
	}
	return d.Result[0]
}

// DeferredDecision is a branch point waiting on an external actor.
type DeferredDecision struct {
	Type        DecisionType `json:"decision_type"`
	DecisionKey string       `json:"key"`
}

func (d DeferredDecision) Key() string                { return d.DecisionKey }
func (d DeferredDecision) DecisionType() DecisionType { return d.Type }
func (DeferredDecision) decision()                    {}

const (
	decisionKindResolved = "resolved"
	decisionKindDeferred = "deferred"
)

type decisionJSON struct {
	Kind   string       `json:"kind"`
	Type   DecisionType `json:"decision_type"`
	Key    string       `json:"key"`
	Result []string     `json:"result,omitempty"`
}

// Decisions is the ordered decision list of a run. It carries a "kind"
// discriminator on the wire.
type Decisions []Decision

func (ds Decisions) MarshalJSON() ([]byte, error) {
	out := make([]decisionJSON, 0, len(ds))
	for _, d := range ds {
		switch v := d.(type) {
		case ResolvedDecision:
			out = append(out, decisionJSON{Kind: decisionKindResolved, Type: v.Type, Key: v.DecisionKey, Result: v.Result})
		case DeferredDecision:
			out = append(out, decisionJSON{Kind: decisionKindDeferred, Type: v.Type, Key: v.DecisionKey})
		default:
			return nil, fmt.Errorf("model: unknown decision %T", d)
		}
	}
	return json.Marshal(out)
}

func (ds *Decisions) UnmarshalJSON(data []byte) error {
	var raw []decisionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Decisions, 0, len(raw))
	for _, r := range raw {
		switch r.Kind {
		case decisionKindResolved:
			out = append(out, ResolvedDecision{Type: r.Type, DecisionKey: r.Key, Result: r.Result})
		case decisionKindDeferred:
			out = append(out, DeferredDecision{Type: r.Type, DecisionKey: r.Key})
		default:
			return fmt.Errorf("model: unknown decision kind %q", r.Kind)
		}
	}
	*ds = out
	return nil
}

// NodeOption is one candidate next node at a branch point.
type NodeOption struct {
	NodeID string         `json:"node_id"`
	Label  string         `json:"label,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// NodeIDs returns the ids of opts in order.
func NodeIDs(opts []NodeOption) []string {
	ids := make([]string, len(opts))
	for i, o := range opts {
		ids[i] = o.NodeID
	}
	return ids
}
