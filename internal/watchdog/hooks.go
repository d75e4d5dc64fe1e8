package watchdog

import (
	"context"
	"errors"
	"fmt"

	"github.com/dativo-io/warden/internal/hooks"
)

// HookMemory is the MEMORY_CHECK handler name.
const HookMemory = "memory_watchdog"

// Metadata keys set by the memory hook.
const (
	MetaMemoryLevel = "memory_level"
	MetaMemoryRSS   = "memory_rss"
	MetaLeakRate    = "memory_leak_rate"
)

// Register adds the MEMORY_CHECK handler. Critical usage fails the hook
// without halting the chain; usage over the ceiling is fatal.
func (w *Watchdog) Register(reg *hooks.Registry) error {
	return reg.Register(HookMemory, hooks.EventMemoryCheck, hooks.HandlerFunc(w.memoryHook), hooks.WithPriority(10))
}

func (w *Watchdog) memoryHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	st, tr, err := w.Check(ctx)
	if err != nil && !errors.Is(err, ErrMemoryExceeded) {
		return hooks.Fail(err, false)
	}
	ec.SetMeta(MetaMemoryLevel, st.Level.String())
	ec.SetMeta(MetaMemoryRSS, st.Sample.RSS)
	ec.Result = st
	if tr.Leak {
		ec.SetMeta(MetaLeakRate, tr.Rate)
		ec.AddAlert(fmt.Sprintf("memory grew %.0f bytes per sample over the last %d samples", tr.Rate, tr.Window))
	}
	switch st.Level {
	case LevelExceeded:
		ec.AddAlert(fmt.Sprintf("memory %d bytes over ceiling, aborting", st.Sample.RSS))
		if err == nil {
			err = ErrMemoryExceeded
		}
		return hooks.Fail(err, true)
	case LevelCritical:
		ec.AddAlert(fmt.Sprintf("memory critical at %d bytes, %d reclaim passes freed %d bytes", st.Sample.RSS, st.Passes, st.Freed))
		return hooks.Fail(fmt.Errorf("%w: rss %d bytes", ErrMemoryCritical, st.Sample.RSS), false)
	case LevelWarning:
		ec.AddAlert(fmt.Sprintf("memory warning at %d bytes", st.Sample.RSS))
	}
	return hooks.Continue()
}
