package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/hooks"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	LedgerBuckets      int `json:"ledger_buckets_pruned"`
	CheckpointsPruned  int `json:"checkpoints_pruned"`
	CacheEntriesPurged int `json:"cache_entries_purged"`
}

// Maintain prunes stale ledger buckets, saves the ledger, evicts checkpoints
// over capacity and purges expired cache entries.
func (c *Coordinator) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var r MaintenanceReport
	r.LedgerBuckets = c.ledger.Prune()
	if err := c.ledger.Save(c.LedgerPath()); err != nil {
		return r, fmt.Errorf("saving ledger: %w", err)
	}
	n, err := c.checkpoint.Prune(ctx)
	r.CheckpointsPruned = n
	if err != nil {
		return r, err
	}
	if c.cache != nil {
		if r.CacheEntriesPurged, err = c.cache.PurgeExpired(ctx); err != nil {
			return r, err
		}
	}
	log.Debug().
		Int("ledger_buckets_pruned", r.LedgerBuckets).
		Int("checkpoints_pruned", r.CheckpointsPruned).
		Int("cache_entries_purged", r.CacheEntriesPurged).
		Msg("maintenance_completed")
	return r, nil
}

// CheckMemory dispatches MEMORY_CHECK so the watchdog hook and any other
// registered memory hooks run.
func (c *Coordinator) CheckMemory(ctx context.Context) (*Outcome, error) {
	return c.Emit(ctx, hooks.EventMemoryCheck, Call{Agent: "warden"})
}
