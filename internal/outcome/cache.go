package outcome

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/cache"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/toolkind"
)

// volatileParams are excluded from cache keys; the gate rewrites them per call.
var volatileParams = []string{"headers", "timeout", "skip_cache"}

func (p *Processor) cacheable(ec *hooks.ExecutionContext) bool {
	if p.cache == nil {
		return false
	}
	if skip, _ := ec.Parameters["skip_cache"].(bool); skip || ec.MetaBool(hooks.MetaSkipCache) {
		return false
	}
	if p.cacheTools != nil {
		_, ok := p.cacheTools[ec.ToolName]
		return ok
	}
	return toolkind.Classify(ec.ToolName).Idempotent()
}

// CacheKey addresses a call by tool and its stable parameters.
func CacheKey(tool string, params map[string]any) (string, error) {
	stable := make(map[string]any, len(params))
	for k, v := range params {
		stable[k] = v
	}
	for _, k := range volatileParams {
		delete(stable, k)
	}
	return cache.Key(tool, stable)
}

func (p *Processor) cacheLookupHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if !p.cacheable(ec) {
		return hooks.Continue()
	}
	key, err := CacheKey(ec.ToolName, ec.Parameters)
	if err != nil {
		return hooks.Fail(fmt.Errorf("computing cache key: %w", err), false)
	}
	ec.SetMeta(MetaCacheKey, key)
	raw, ok := p.cache.Get(ctx, key)
	if !ok {
		return hooks.Continue()
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warn().Err(err).Str("tool", ec.ToolName).Str("key", key).Msg("cache_entry_unreadable")
		return hooks.Continue()
	}
	ec.Result = v
	ec.SetMeta(hooks.MetaCacheHit, true)
	return hooks.Continue()
}

func (p *Processor) cacheStoreHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if ec.Err != nil || ec.MetaBool(hooks.MetaCacheHit) || !p.cacheable(ec) {
		return hooks.Continue()
	}
	if valid, ok := ec.Metadata[hooks.MetaResultValid].(bool); ok && !valid {
		return hooks.Continue()
	}
	key := ec.MetaString(MetaCacheKey)
	if key == "" {
		var err error
		if key, err = CacheKey(ec.ToolName, ec.Parameters); err != nil {
			return hooks.Fail(fmt.Errorf("computing cache key: %w", err), false)
		}
	}
	raw, err := json.Marshal(ec.Result)
	if err != nil {
		return hooks.Fail(fmt.Errorf("encoding result for cache: %w", err), false)
	}
	if err := p.cache.Put(ctx, key, ec.ToolName, raw, p.cacheTTL); err != nil {
		return hooks.Fail(err, false)
	}
	return hooks.Continue()
}
