package runs

import (
	"context"
	"fmt"

	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/performance"
)

// StrategyReport is a strategy's performance and the advisor's feedback.
type StrategyReport struct {
	Strategy string               `json:"strategy"`
	Metrics  performance.Metrics  `json:"metrics"`
	Feedback performance.Feedback `json:"feedback"`
}

// StrategyMetrics reports on one registered strategy. A strategy that has not
// run yet reports empty metrics.
func (s *Service) StrategyMetrics(name string) (StrategyReport, error) {
	if _, err := s.coordinator.Strategies().Get(name); err != nil {
		return StrategyReport{}, err
	}
	var m performance.Metrics
	if t, ok := s.coordinator.Performance().Lookup(name); ok {
		m = t.Metrics()
	}
	return StrategyReport{Strategy: name, Metrics: m, Feedback: performance.Advise(m)}, nil
}

// AllStrategyMetrics reports on every registered strategy in name order.
func (s *Service) AllStrategyMetrics() []StrategyReport {
	names := s.coordinator.Strategies().Names()
	out := make([]StrategyReport, 0, len(names))
	for _, n := range names {
		r, err := s.StrategyMetrics(n)
		if err == nil {
			out = append(out, r)
		}
	}
	return out
}

// EstimateCost returns the pre-flight estimate for running a catalog routine
// under limits.
func (s *Service) EstimateCost(ctx context.Context, routineID string, limits model.ResourceLimits) (model.CostEstimate, error) {
	routine, err := s.catalog.Routine(ctx, routineID)
	if err != nil {
		return model.CostEstimate{}, err
	}
	est, err := s.coordinator.EstimateCost(ctx, routine, model.ExecutionContext{RoutineID: routine.ID, Limits: limits})
	if err != nil {
		return model.CostEstimate{}, fmt.Errorf("runs: estimate %s: %w", routineID, err)
	}
	return est, nil
}

