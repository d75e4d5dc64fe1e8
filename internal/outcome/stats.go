package outcome

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	maxRecentErrors = 10
	// AnomalyFactor is how many times slower than expected a call must be.
	AnomalyFactor = 3.0
	// minHistory is the call count before the rolling average is trusted.
	minHistory = 5
)

// ToolStats is the rolling record for one tool.
type ToolStats struct {
	Tool          string        `json:"tool"`
	Calls         int64         `json:"calls"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	TotalDuration time.Duration `json:"total_duration"`
	RecentErrors  []string      `json:"recent_errors,omitempty"`
}

type statsBook struct {
	mu    sync.Mutex
	tools map[string]*ToolStats
}

func newStatsBook() *statsBook {
	return &statsBook{tools: make(map[string]*ToolStats)}
}

func (b *statsBook) record(tool string, d time.Duration, failure string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.tools[tool]
	if !ok {
		s = &ToolStats{Tool: tool, MinDuration: d}
		b.tools[tool] = s
	}
	s.Calls++
	s.TotalDuration += d
	s.AvgDuration = s.TotalDuration / time.Duration(s.Calls)
	if d < s.MinDuration {
		s.MinDuration = d
	}
	if d > s.MaxDuration {
		s.MaxDuration = d
	}
	if failure == "" {
		s.Successes++
		return
	}
	s.Failures++
	s.RecentErrors = append(s.RecentErrors, failure)
	if n := len(s.RecentErrors); n > maxRecentErrors {
		s.RecentErrors = append([]string(nil), s.RecentErrors[n-maxRecentErrors:]...)
	}
}

func (b *statsBook) get(tool string) (ToolStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.tools[tool]
	if !ok {
		return ToolStats{}, false
	}
	cp := *s
	cp.RecentErrors = append([]string(nil), s.RecentErrors...)
	return cp, true
}

func (b *statsBook) all() []ToolStats {
	b.mu.Lock()
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)
	out := make([]ToolStats, 0, len(names))
	for _, n := range names {
		if s, ok := b.get(n); ok {
			out = append(out, s)
		}
	}
	return out
}

// Anomaly decides whether elapsed is anomalous against the prediction or,
// with enough history, the tool's rolling average.
func Anomaly(elapsed, predicted time.Duration, hist ToolStats) (string, bool) {
	if predicted > 0 && float64(elapsed) > AnomalyFactor*float64(predicted) {
		return fmt.Sprintf("took %s, more than %.0fx the predicted %s", elapsed, AnomalyFactor, predicted), true
	}
	if hist.Calls >= minHistory && hist.AvgDuration > 0 && float64(elapsed) > AnomalyFactor*float64(hist.AvgDuration) {
		return fmt.Sprintf("took %s, more than %.0fx the average %s", elapsed, AnomalyFactor, hist.AvgDuration), true
	}
	return "", false
}
