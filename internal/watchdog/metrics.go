package watchdog

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/warden/internal/watchdog"

var (
	rssGauge          metric.Int64Gauge
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	var err error
	rssGauge, err = otel.Meter(meterName).Int64Gauge(
		"warden.memory.rss",
		metric.WithDescription("Resident set size at the last watchdog sample"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordRSS(ctx context.Context, rss uint64, level Level) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	rssGauge.Record(ctx, int64(rss), metric.WithAttributes(attribute.String("memory.level", level.String())))
}
