package outcome

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	toolCallCounter   metric.Int64Counter
	toolDurationHist  metric.Float64Histogram
	outcomeOnce       sync.Once
	outcomeRegistered bool
)

func initOutcomeMetrics() {
	meter := otel.Meter("github.com/dativo-io/warden/internal/outcome")
	var err error
	toolCallCounter, err = meter.Int64Counter("warden.tool.calls",
		metric.WithDescription("Tool calls by outcome"))
	if err != nil {
		return
	}
	toolDurationHist, err = meter.Float64Histogram("warden.tool.duration",
		metric.WithDescription("Tool execution time"),
		metric.WithUnit("ms"))
	if err != nil {
		return
	}
	outcomeRegistered = true
}

func recordToolCall(ctx context.Context, tool string, success bool, ms float64) {
	outcomeOnce.Do(initOutcomeMetrics)
	if !outcomeRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	toolCallCounter.Add(ctx, 1, attrs)
	toolDurationHist.Record(ctx, ms, attrs)
}
