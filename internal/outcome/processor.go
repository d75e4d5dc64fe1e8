// Package outcome implements the post-execution hooks: result validation,
// recovery hints, anomaly detection, per-tool metrics, credential
// sanitization, result caching and side-effect auditing.
package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/cache"
	"github.com/dativo-io/warden/internal/evidence"
	"github.com/dativo-io/warden/internal/hooks"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/toolkind"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/outcome")

// Hook names.
const (
	HookResultValidation    = "result_validation"
	HookRecoverySuggestion  = "recovery_suggestion"
	HookPerformanceAnalysis = "performance_analysis"
	HookMetricsCollection   = "metrics_collection"
	HookSanitization        = "sanitization"
	HookCacheResult         = "cache_result"
	HookSideEffectTracking  = "side_effect_tracking"
	HookCacheLookup         = "cache_lookup"
)

// Metadata keys set by the processor.
const (
	MetaCacheKey     = "cache_key"
	MetaRecoveryRule = "recovery_rule"
	MetaSideEffectID = "side_effect_id"
)

// Processor owns the post-execution state shared across chains.
type Processor struct {
	recovery   *RecoveryTable
	sanitizer  *Sanitizer
	stats      *statsBook
	cache      *cache.ResultCache
	cacheTTL   time.Duration
	cacheTools map[string]struct{}
	evidence   *evidence.Store
	checkFiles bool
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithCache enables result caching. An empty tools list caches every
// idempotent tool kind.
func WithCache(c *cache.ResultCache, ttl time.Duration, tools []string) Option {
	return func(p *Processor) {
		p.cache = c
		p.cacheTTL = ttl
		if len(tools) > 0 {
			p.cacheTools = make(map[string]struct{}, len(tools))
			for _, t := range tools {
				p.cacheTools[t] = struct{}{}
			}
		}
	}
}

// WithEvidence records side effects in store.
func WithEvidence(store *evidence.Store) Option {
	return func(p *Processor) { p.evidence = store }
}

// WithFileChecks toggles the output-file postcondition for writes.
func WithFileChecks(enabled bool) Option {
	return func(p *Processor) { p.checkFiles = enabled }
}

// WithClock overrides the side-effect timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor with the embedded recovery and credential tables.
func New(opts ...Option) (*Processor, error) {
	recovery, err := DefaultRecoveryTable()
	if err != nil {
		return nil, err
	}
	sanitizer, err := DefaultSanitizer()
	if err != nil {
		return nil, err
	}
	p := &Processor{
		recovery:   recovery,
		sanitizer:  sanitizer,
		stats:      newStatsBook(),
		checkFiles: true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Register adds the POST_TOOL_USE chain and, when caching is enabled, the
// PRE_TOOL_USE cache lookup that runs after the gate.
func (p *Processor) Register(reg *hooks.Registry) error {
	post := []struct {
		name     string
		fn       hooks.HandlerFunc
		priority int
	}{
		{HookResultValidation, p.validateHook, 10},
		{HookRecoverySuggestion, p.recoveryHook, 20},
		{HookPerformanceAnalysis, p.performanceHook, 25},
		{HookMetricsCollection, p.metricsHook, 30},
		{HookSanitization, p.sanitizeHook, 40},
		{HookCacheResult, p.cacheStoreHook, 50},
		{HookSideEffectTracking, p.sideEffectHook, 60},
	}
	for _, h := range post {
		if err := reg.Register(h.name, hooks.EventPostToolUse, h.fn, hooks.WithPriority(h.priority)); err != nil {
			return err
		}
	}
	if p.cache == nil {
		return nil
	}
	return reg.Register(HookCacheLookup, hooks.EventPreToolUse, hooks.HandlerFunc(p.cacheLookupHook), hooks.WithPriority(70))
}

// Stats returns the rolling record for tool.
func (p *Processor) Stats(tool string) (ToolStats, bool) { return p.stats.get(tool) }

// AllStats returns every tool's record, sorted by name.
func (p *Processor) AllStats() []ToolStats { return p.stats.all() }

func (p *Processor) validateHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	reason := ValidateResult(ec.ToolName, ec.Parameters, ec.Result, ec.Err, p.checkFiles)
	ec.SetMeta(hooks.MetaResultValid, reason == "")
	if reason == "" {
		return hooks.Continue()
	}
	ec.SetMeta(hooks.MetaValidationError, reason)
	log.Warn().
		Str("hook", HookResultValidation).
		Str("tool", ec.ToolName).
		Str("agent", ec.AgentName).
		Str("reason", reason).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("tool_result_invalid")
	return hooks.Continue()
}

func (p *Processor) recoveryHook(_ context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if valid, ok := ec.Metadata[hooks.MetaResultValid].(bool); !ok || valid {
		return hooks.Continue()
	}
	rule, hints := p.recovery.Suggest(ec.ToolName, ec.MetaString(hooks.MetaValidationError))
	ec.SetMeta(hooks.MetaRecovery, hints)
	if rule != "" {
		ec.SetMeta(MetaRecoveryRule, rule)
	}
	return hooks.Continue()
}

func (p *Processor) performanceHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	ms, ok := ec.MetaFloat(hooks.MetaDurationMS)
	if !ok {
		return hooks.Continue()
	}
	predictedMS, _ := ec.MetaFloat(hooks.MetaPredictedDuration)
	hist, _ := p.stats.get(ec.ToolName)
	reason, anomalous := Anomaly(msToDuration(ms), msToDuration(predictedMS), hist)
	ec.SetMeta(hooks.MetaAnomaly, anomalous)
	if anomalous {
		ec.SetMeta(hooks.MetaAnomalyReason, reason)
		ec.AddAlert(fmt.Sprintf("%s: %s", ec.ToolName, reason))
		log.Warn().
			Str("hook", HookPerformanceAnalysis).
			Str("tool", ec.ToolName).
			Str("agent", ec.AgentName).
			Str("reason", reason).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("performance_anomaly")
	}
	return hooks.Continue()
}

func (p *Processor) metricsHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	ms, _ := ec.MetaFloat(hooks.MetaDurationMS)
	failure := ""
	if valid, ok := ec.Metadata[hooks.MetaResultValid].(bool); ok && !valid {
		failure = ec.MetaString(hooks.MetaValidationError)
		if failure == "" {
			failure = "invalid result"
		}
	}
	p.stats.record(ec.ToolName, msToDuration(ms), failure)
	recordToolCall(ctx, ec.ToolName, failure == "", ms)
	return hooks.Continue()
}

func (p *Processor) sanitizeHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	_, span := tracer.Start(ctx, "outcome.sanitize")
	defer span.End()
	html := toolkind.Classify(ec.ToolName) == toolkind.Network
	clean, changed := p.sanitizer.Sanitize(ec.Result, html)
	ec.SetMeta(hooks.MetaSanitized, changed)
	if changed {
		ec.Result = clean
	}
	return hooks.Continue()
}

func (p *Processor) sideEffectHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	kind := toolkind.Classify(ec.ToolName)
	if p.evidence == nil || !kind.MutatesState() {
		return hooks.Continue()
	}
	rec := &evidence.SideEffect{
		CorrelationID: ec.MetaString(hooks.MetaCorrelationID),
		Kind:          string(kind),
		Tool:          ec.ToolName,
		Agent:         ec.AgentName,
		Timestamp:     p.now().UTC(),
		Success:       ec.Err == nil,
	}
	if valid, ok := ec.Metadata[hooks.MetaResultValid].(bool); ok && !valid {
		rec.Success = false
		rec.Error = ec.MetaString(hooks.MetaValidationError)
	}
	switch kind {
	case toolkind.Write, toolkind.Delete:
		rec.Target = firstParam(ec, resultPathKeys)
		rec.SizeBytes = len(firstParam(ec, []string{"content", "data", "text", "body"}))
	case toolkind.Execute:
		rec.Command = firstParam(ec, []string{"command", "cmd", "script"})
	case toolkind.Network:
		rec.URL = ec.Param("url")
		rec.Method = ec.Param("method")
		if rec.Method == "" {
			rec.Method = "GET"
		}
	}
	if err := p.evidence.Record(ctx, rec); err != nil {
		return hooks.Fail(fmt.Errorf("recording side effect: %w", err), false)
	}
	ec.SetMeta(MetaSideEffectID, rec.ID)
	return hooks.Continue()
}

func firstParam(ec *hooks.ExecutionContext, keys []string) string {
	for _, k := range keys {
		if v := ec.Param(k); v != "" {
			return v
		}
	}
	return ""
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
