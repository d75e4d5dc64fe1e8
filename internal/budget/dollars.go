package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

// Bucket key layouts.
const (
	hourLayout  = "2006-01-02T15"
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Retention windows for pruned buckets.
const (
	hourlyRetention  = 24 * time.Hour
	dailyRetention   = 30 * 24 * time.Hour
	monthlyRetention = 366 * 24 * time.Hour
)

// Alert levels.
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is raised by every commit that leaves a bucket at or above 80% or
// 95% of its ceiling.
type Alert struct {
	Level       string  `json:"level"`
	Period      string  `json:"period"`
	Utilization float64 `json:"utilization"`
	Spent       float64 `json:"spent"`
	Limit       float64 `json:"limit"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s: %s budget at %.0f%% (%.4f of %.4f)", a.Level, a.Period, a.Utilization*100, a.Spent, a.Limit)
}

// Receipt identifies a committed cost so it can be reconciled later.
type Receipt struct {
	ID       uint64    `json:"id"`
	Cost     float64   `json:"cost"`
	Tool     string    `json:"tool"`
	Agent    string    `json:"agent"`
	HourKey  string    `json:"hour_key"`
	DayKey   string    `json:"day_key"`
	MonthKey string    `json:"month_key"`
	At       time.Time `json:"at"`
	Alerts   []Alert   `json:"alerts,omitempty"`
}

type bucketCheck struct {
	period string
	bucket map[string]float64
	key    string
	limit  float64
}

// TrackDollarCost commits cost to the hourly, daily and monthly buckets and
// the per-tool and per-agent breakdowns. If any bucket would exceed its
// ceiling nothing is committed and an *ExceededError is returned.
func (l *Ledger) TrackDollarCost(ctx context.Context, cost float64, tool, agent string) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "budget.track_cost",
		trace.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("agent", agent),
			attribute.Float64("cost", cost),
		))
	defer span.End()

	if cost < 0 {
		return nil, fmt.Errorf("tracking cost for %s: negative cost %.6f", tool, cost)
	}

	l.mu.Lock()
	now := l.now()
	hourKey, dayKey, monthKey := l.keys(now)
	checks := []bucketCheck{
		{"hourly", l.hourly, hourKey, l.limits.Hourly},
		{"daily", l.daily, dayKey, l.limits.Daily},
		{"monthly", l.monthly, monthKey, l.limits.Monthly},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		current := c.bucket[c.key]
		if projected := current + cost; projected > c.limit {
			l.mu.Unlock()
			err := &ExceededError{Period: c.period, Limit: c.limit, Current: current, Projected: projected}
			span.RecordError(err)
			span.SetStatus(codes.Error, "budget exceeded")
			log.Warn().
				Str("tool", tool).
				Str("agent", agent).
				Str("period", c.period).
				Float64("cost", cost).
				Float64("limit", c.limit).
				Str("reason", err.Error()).
				Func(wardenotel.LogTraceFields(ctx)).
				Msg("budget_exceeded")
			return nil, err
		}
	}

	var alerts []Alert
	for _, c := range checks {
		c.bucket[c.key] += cost
		if a, ok := alertFor(c.period, c.bucket[c.key], c.limit); ok {
			alerts = append(alerts, a)
		}
	}
	l.total += cost
	l.byTool[tool] += cost
	l.byAgent[agent] += cost
	l.receipts++
	l.version++
	receipt := &Receipt{
		ID: l.receipts, Cost: cost, Tool: tool, Agent: agent,
		HourKey: hourKey, DayKey: dayKey, MonthKey: monthKey,
		At: now, Alerts: alerts,
	}
	l.mu.Unlock()

	recordCost(ctx, cost, tool, agent)
	for _, a := range alerts {
		log.Warn().
			Str("tool", tool).
			Str("agent", agent).
			Str("level", a.Level).
			Str("period", a.Period).
			Float64("utilization", a.Utilization).
			Str("reason", a.String()).
			Msg("budget_alert")
	}
	return receipt, nil
}

// alertFor reports an alert for every commit that leaves the bucket at or
// above 95% (critical) or 80% (warning) of limit.
func alertFor(period string, spent, limit float64) (Alert, bool) {
	if limit <= 0 {
		return Alert{}, false
	}
	util := spent / limit
	switch {
	case util >= CriticalRatio:
		return Alert{Level: AlertCritical, Period: period, Utilization: util, Spent: spent, Limit: limit}, true
	case util >= WarningRatio:
		return Alert{Level: AlertWarning, Period: period, Utilization: util, Spent: spent, Limit: limit}, true
	}
	return Alert{}, false
}

// Reconcile replaces the receipt's estimated cost with actual, applying the
// difference to the same buckets and breakdowns. Buckets already pruned are
// left alone. Reconciling never blocks: the spend has already happened.
func (l *Ledger) Reconcile(ctx context.Context, r *Receipt, actual float64) {
	if r == nil || actual < 0 {
		return
	}
	delta := actual - r.Cost
	if delta == 0 {
		return
	}
	l.mu.Lock()
	for _, b := range []struct {
		bucket map[string]float64
		key    string
	}{{l.hourly, r.HourKey}, {l.daily, r.DayKey}, {l.monthly, r.MonthKey}} {
		if v, ok := b.bucket[b.key]; ok {
			b.bucket[b.key] = clampZero(v + delta)
		}
	}
	l.total = clampZero(l.total + delta)
	l.byTool[r.Tool] = clampZero(l.byTool[r.Tool] + delta)
	l.byAgent[r.Agent] = clampZero(l.byAgent[r.Agent] + delta)
	r.Cost = actual
	l.version++
	l.mu.Unlock()

	log.Debug().
		Str("tool", r.Tool).
		Str("agent", r.Agent).
		Uint64("receipt", r.ID).
		Float64("delta", delta).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("cost_reconciled")
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// keys derives bucket keys for now. Keys never move backwards even if the
// clock does; callers hold l.mu.
func (l *Ledger) keys(now time.Time) (hour, day, month string) {
	hour = now.UTC().Format(hourLayout)
	if hour < l.lastHour {
		hour = l.lastHour
	}
	l.lastHour = hour
	// Day and month are prefixes of the hour key.
	return hour, hour[:len(dayLayout)], hour[:len(monthLayout)]
}

// Prune drops hourly buckets older than 24h, daily older than 30 days and
// monthly older than a year. The current buckets are never pruned.
func (l *Ledger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	hourKey, dayKey, monthKey := l.keys(now)
	removed := pruneBuckets(l.hourly, hourKey, now.Add(-hourlyRetention).Format(hourLayout))
	removed += pruneBuckets(l.daily, dayKey, now.Add(-dailyRetention).Format(dayLayout))
	removed += pruneBuckets(l.monthly, monthKey, now.Add(-monthlyRetention).Format(monthLayout))
	if removed > 0 {
		l.version++
	}
	return removed
}

// pruneBuckets removes keys strictly older than cutoff, keeping current.
// Keys sort lexically in time order.
func pruneBuckets(b map[string]float64, current, cutoff string) int {
	n := 0
	for k := range b {
		if k != current && k < cutoff {
			delete(b, k)
			n++
		}
	}
	return n
}
