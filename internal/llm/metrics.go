package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const costMeterName = "github.com/dativo-io/warden/internal/llm"

var (
	costRequestHistogram  metric.Float64Histogram
	costMetricsOnce       sync.Once
	costMetricsRegistered bool
)

func initCostMetrics() {
	meter := otel.Meter(costMeterName)
	var err error
	costRequestHistogram, err = meter.Float64Histogram(
		"warden.generate.cost",
		metric.WithDescription("Cost per generation call"),
		metric.WithUnit("usd"),
	)
	if err != nil {
		return
	}
	costMetricsRegistered = true
}

// RecordCostMetrics records the cost of one generation call.
func RecordCostMetrics(ctx context.Context, cost float64, agent, model string, cached bool) {
	costMetricsOnce.Do(initCostMetrics)
	if !costMetricsRegistered {
		return
	}
	costRequestHistogram.Record(ctx, cost, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("model", model),
		attribute.Bool("cached", cached),
	))
}
