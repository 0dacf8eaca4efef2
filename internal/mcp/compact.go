package mcp

import (
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/service/runs"
)

const maxCompactEvents = 5

// compactRun returns a minimal view of a run for MCP responses. Variables and
// full step histories are dropped; agents see statuses, the latest runtime
// events, and the last step of each instance.
func compactRun(run *model.RunProgress) map[string]any {
	instances := make(map[string]any, len(run.Subcontexts))
	for _, id := range run.InstanceIDs() {
		instances[id] = compactSubroutine(run.Subcontexts[id])
	}
	pending := 0
	for _, d := range run.Decisions {
		if _, ok := d.(model.DeferredDecision); ok {
			pending++
		}
	}
	return map[string]any{
		"run_id":            run.RunID,
		"version":           run.Version,
		"instances":         instances,
		"decisions":         len(run.Decisions),
		"pending_decisions": pending,
		"updated_at":        run.UpdatedAt,
	}
}

func compactSubroutine(sub *model.SubroutineContext) map[string]any {
	m := map[string]any{
		"routine_id":     sub.RoutineID,
		"status":         sub.Status,
		"runtime_events": len(sub.RuntimeEvents),
		"steps":          len(sub.Results),
	}
	if n := len(sub.RuntimeEvents); n > 0 {
		recent := sub.RuntimeEvents[max(0, n-maxCompactEvents):]
		refs := make([]string, len(recent))
		for i, e := range recent {
			refs[i] = string(e.Kind) + ":" + e.Ref
		}
		m["recent_events"] = refs
	}
	if n := len(sub.Results); n > 0 {
		m["last_step"] = compactStep(sub.Results[n-1])
	}
	return m
}

func compactStep(r model.StepRecord) map[string]any {
	m := map[string]any{
		"node_id":  r.NodeID,
		"strategy": r.Strategy,
		"status":   r.Status,
		"credits":  r.Usage.CreditsUsed,
	}
	if r.Reason != "" {
		m["reason"] = r.Reason
	}
	return m
}

// compactAdvance summarizes an Advance result.
func compactAdvance(res runs.AdvanceResult) map[string]any {
	steps := make([]map[string]any, len(res.Steps))
	for i, st := range res.Steps {
		steps[i] = compactStep(st)
	}
	m := map[string]any{
		"deferred": res.Deferred,
		"steps":    steps,
		"run":      compactRun(res.Run),
	}
	if res.Decision != nil {
		m["decision_key"] = res.Decision.Key()
		if d, ok := res.Decision.(model.ResolvedDecision); ok {
			m["chosen"] = d.Result
		}
	}
	return m
}
