// Package performance keeps a rolling history of strategy outcomes and turns
// it into metrics, trends, and adaptation advice.
package performance

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/keiro/internal/model"
)

const (
	DefaultCapacity       = 100
	DefaultAnalysisWindow = 10

	// recentEntries is how many raw entries Metrics returns.
	recentEntries = 10
)

// RiskLevel is the advisor's overall assessment.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) escalate() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Trends compare the latest analysis window with the one before it.
// Positive values mean improvement. All are zero until two full windows exist.
type Trends struct {
	SuccessRate   float64 `json:"success_rate"`
	ExecutionTime float64 `json:"execution_time"`
	Confidence    float64 `json:"confidence"`
}

// Metrics summarize the retained history.
type Metrics struct {
	Total                int                      `json:"total"`
	SuccessRate          float64                  `json:"success_rate"`
	AverageExecutionTime time.Duration            `json:"average_execution_time_ns"`
	AverageConfidence    float64                  `json:"average_confidence"`
	Recent               []model.PerformanceEntry `json:"recent"`
	Trends               Trends                   `json:"trends"`
}

// Feedback is the advisor's output.
type Feedback struct {
	Recommendations       []string  `json:"recommendations"`
	OptimizationPotential float64   `json:"optimization_potential"`
	RiskLevel             RiskLevel `json:"risk_level"`
	ShouldAdapt           bool      `json:"should_adapt"`
}

// Summary is an unweighted average over a slice of history.
type Summary struct {
	Count                int           `json:"count"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time_ns"`
	AverageConfidence    float64       `json:"average_confidence"`
}

// Tracker is a fixed-capacity ring of performance entries. Safe for
// concurrent use.
type Tracker struct {
	window int

	mu    sync.Mutex
	ring  []model.PerformanceEntry
	start int
	size  int
}

// NewTracker creates a tracker retaining capacity entries and analysing
// windows of window entries. Non-positive values take the defaults.
func NewTracker(capacity, window int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultAnalysisWindow
	}
	return &Tracker{window: window, ring: make([]model.PerformanceEntry, capacity)}
}

// Record appends e, evicting the oldest entry when full.
func (t *Tracker) Record(e model.PerformanceEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := (t.start + t.size) % len(t.ring)
	t.ring[idx] = e
	if t.size < len(t.ring) {
		t.size++
	} else {
		t.start = (t.start + 1) % len(t.ring)
	}
}

// Entries returns the retained history, oldest first.
func (t *Tracker) Entries() []model.PerformanceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.PerformanceEntry, t.size)
	for i := range t.size {
		out[i] = t.ring[(t.start+i)%len(t.ring)]
	}
	return out
}

// Metrics computes summary statistics and trends over the retained history.
func (t *Tracker) Metrics() Metrics {
	entries := t.Entries()
	s := summarize(entries)
	m := Metrics{
		Total:                s.Count,
		SuccessRate:          s.SuccessRate,
		AverageExecutionTime: s.AverageExecutionTime,
		AverageConfidence:    s.AverageConfidence,
		Recent:               entries[max(0, len(entries)-recentEntries):],
	}
	if len(entries) >= 2*t.window {
		recent := summarize(entries[len(entries)-t.window:])
		prev := summarize(entries[len(entries)-2*t.window : len(entries)-t.window])
		m.Trends = Trends{
			SuccessRate:   recent.SuccessRate - prev.SuccessRate,
			ExecutionTime: ratio(float64(prev.AverageExecutionTime-recent.AverageExecutionTime), float64(prev.AverageExecutionTime)),
			Confidence:    ratio(recent.AverageConfidence-prev.AverageConfidence, prev.AverageConfidence),
		}
	}
	return m
}

func ratio(delta, base float64) float64 {
	if base == 0 {
		return 0
	}
	return delta / base
}

// Feedback turns the current metrics into recommendations.
func (t *Tracker) Feedback() Feedback {
	return Advise(t.Metrics())
}

// RecentTrend averages the last n entries without windowing.
func (t *Tracker) RecentTrend(n int) Summary {
	entries := t.Entries()
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	return summarize(entries[len(entries)-n:])
}

// Reset discards the history.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.start, t.size = 0, 0
	clear(t.ring)
	t.mu.Unlock()
}

// Advise applies the adaptation heuristics to m.
func Advise(m Metrics) Feedback {
	if m.Total == 0 {
		return Feedback{
			Recommendations: []string{"Insufficient performance history; keep the current strategy"},
			RiskLevel:       RiskLow,
		}
	}

	fb := Feedback{RiskLevel: RiskLow, Recommendations: []string{}}
	switch {
	case m.SuccessRate < 0.70:
		fb.RiskLevel = RiskHigh
		fb.OptimizationPotential += 0.30
		fb.Recommendations = append(fb.Recommendations,
			fmt.Sprintf("Success rate %.0f%% is below 70%%; switch to a more conservative strategy", m.SuccessRate*100))
	case m.SuccessRate < 0.85:
		fb.RiskLevel = RiskMedium
		fb.OptimizationPotential += 0.10
		fb.Recommendations = append(fb.Recommendations,
			fmt.Sprintf("Success rate %.0f%% is below 85%%; review failing steps", m.SuccessRate*100))
	}
	if m.Trends.ExecutionTime < -0.10 {
		fb.RiskLevel = fb.RiskLevel.escalate()
		fb.OptimizationPotential += 0.20
		fb.Recommendations = append(fb.Recommendations,
			fmt.Sprintf("Execution time worsened by %.0f%% over the last window; tighten time limits or cache tool results", -m.Trends.ExecutionTime*100))
	}
	if m.Trends.Confidence < -0.05 {
		fb.OptimizationPotential += 0.10
		fb.Recommendations = append(fb.Recommendations,
			fmt.Sprintf("Confidence dropped by %.0f%% over the last window; add context or reasoning steps", -m.Trends.Confidence*100))
	}
	fb.OptimizationPotential = math.Min(1.0, math.Round(fb.OptimizationPotential*100)/100)
	fb.ShouldAdapt = fb.OptimizationPotential > 0.15 || fb.RiskLevel == RiskHigh
	if len(fb.Recommendations) == 0 {
		fb.Recommendations = append(fb.Recommendations, "Performance is stable; no changes recommended")
	}
	return fb
}

func summarize(entries []model.PerformanceEntry) Summary {
	s := Summary{Count: len(entries)}
	if s.Count == 0 {
		return s
	}
	var ok int
	var total time.Duration
	var conf float64
	for _, e := range entries {
		if e.Success {
			ok++
		}
		total += e.ExecutionTime
		conf += e.Confidence
	}
	n := float64(s.Count)
	s.SuccessRate = float64(ok) / n
	s.AverageExecutionTime = total / time.Duration(s.Count)
	s.AverageConfidence = conf / n
	return s
}

// Set holds one tracker per strategy name.
type Set struct {
	capacity int
	window   int

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewSet creates an empty set whose trackers use capacity and window.
func NewSet(capacity, window int) *Set {
	return &Set{capacity: capacity, window: window, trackers: make(map[string]*Tracker)}
}

// For returns the tracker for name, creating it on first use.
func (s *Set) For(name string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[name]
	if !ok {
		t = NewTracker(s.capacity, s.window)
		s.trackers[name] = t
	}
	return t
}

// Lookup returns the tracker for name without creating one.
func (s *Set) Lookup(name string) (*Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[name]
	return t, ok
}

// Names returns the tracked strategy names, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.trackers))
	for n := range s.trackers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
