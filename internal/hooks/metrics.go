package hooks

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/warden/internal/hooks"

var (
	hookDurationHistogram metric.Float64Histogram
	hookMetricsOnce       sync.Once
	hookMetricsRegistered bool
)

func initHookMetrics() {
	meter := otel.Meter(meterName)
	var err error
	hookDurationHistogram, err = meter.Float64Histogram(
		"warden.hook.duration",
		metric.WithDescription("Hook execution time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	hookMetricsRegistered = true
}

func recordHookDuration(ctx context.Context, event Event, name string, d time.Duration, outcome string) {
	hookMetricsOnce.Do(initHookMetrics)
	if !hookMetricsRegistered {
		return
	}
	hookDurationHistogram.Record(ctx, float64(d.Microseconds())/1000.0, metric.WithAttributes(
		attribute.String("hook.event", string(event)),
		attribute.String("hook.name", name),
		attribute.String("hook.outcome", outcome),
	))
}

// HookMetrics is a point-in-time view of one hook's execution statistics.
type HookMetrics struct {
	Event         Event         `json:"event"`
	Name          string        `json:"name"`
	Executions    int64         `json:"executions"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	Timeouts      int64         `json:"timeouts"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastError     string        `json:"last_error,omitempty"`
}

type hookStats struct {
	mu sync.Mutex
	m  HookMetrics
}

// record updates the stats for one attempt, regardless of chain outcome.
func (s *hookStats) record(d time.Duration, err error, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Executions++
	s.m.TotalDuration += d
	s.m.AvgDuration = s.m.TotalDuration / time.Duration(s.m.Executions)
	if err == nil {
		s.m.Successes++
		return
	}
	s.m.Failures++
	if timedOut {
		s.m.Timeouts++
	}
	s.m.LastError = err.Error()
}

func (s *hookStats) snapshot() HookMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}
