package budget

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/warden/internal/budget"

var (
	costHistogram     metric.Float64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	var err error
	costHistogram, err = otel.Meter(meterName).Float64Histogram(
		"warden.ledger.cost",
		metric.WithDescription("Dollar cost committed to the ledger per operation"),
		metric.WithUnit("usd"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordCost(ctx context.Context, cost float64, tool, agent string) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	costHistogram.Record(ctx, cost, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("agent", agent),
	))
}
