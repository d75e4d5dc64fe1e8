package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// normalize round-trips a snapshot through JSON so in-memory values compare
// equal to values read back from disk.
func normalize(s Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Load indexes every checkpoint file in the directory. Unreadable files are
// logged and skipped; they never fail the load. It returns the number indexed.
func (m *Manager) Load(ctx context.Context) (int, error) {
	_, span := tracer.Start(ctx, "checkpoint.load")
	defer span.End()

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, skipped := 0, 0
	for _, e := range entries {
		if e.IsDir() || !isSnapshotFile(e.Name()) {
			continue
		}
		path := filepath.Join(m.cfg.Dir, e.Name())
		cp, err := m.readFile(path)
		if err != nil {
			skipped++
			log.Warn().Err(err).Str("file", e.Name()).Msg("checkpoint_corrupted")
			continue
		}
		if fi, err := e.Info(); err == nil {
			cp.SizeBytes = fi.Size()
		}
		snap := cp.Snapshot
		meta := *cp
		meta.Snapshot = nil
		m.index[cp.ID] = &meta
		loaded++

		if cp.Timestamp.After(m.lastTS) {
			m.lastTS = cp.Timestamp
		}
		if tail, ok := m.index[m.tails[cp.Agent]]; !ok || cp.Timestamp.After(tail.Timestamp) {
			m.tails[cp.Agent] = cp.ID
			m.tailSnap[cp.Agent] = snap
			m.lastAt[cp.Agent] = cp.Timestamp
		}
	}
	span.SetAttributes(attribute.Int("checkpoint.loaded", loaded), attribute.Int("checkpoint.skipped", skipped))
	log.Info().Int("loaded", loaded).Int("skipped", skipped).Str("dir", m.cfg.Dir).Msg("checkpoints_loaded")
	return loaded, nil
}

// Prune evicts the oldest non-critical checkpoints, with their diffs, until
// at most MaxCheckpoints remain. Critical checkpoints are never evicted, so
// the count can stay above the maximum. It returns the number removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	_, span := tracer.Start(ctx, "checkpoint.prune")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.pruneLocked()
	span.SetAttributes(attribute.Int("checkpoint.pruned", removed))
	return removed, err
}

// pruneLocked enforces MaxCheckpoints. The caller holds m.mu.
func (m *Manager) pruneLocked() (int, error) {
	if m.cfg.MaxCheckpoints <= 0 {
		return 0, nil
	}
	removed := 0
	for len(m.index) > m.cfg.MaxCheckpoints {
		var oldest *Checkpoint
		for _, cp := range m.index {
			if cp.IsCritical {
				continue
			}
			if oldest == nil || cp.Timestamp.Before(oldest.Timestamp) {
				oldest = cp
			}
		}
		if oldest == nil {
			break
		}
		if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing checkpoint %s: %w", oldest.ID, err)
		}
		for _, p := range diffPaths(m.cfg.Dir, oldest.ID) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("checkpoint_id", oldest.ID).Msg("checkpoint_diff_remove_failed")
			}
		}
		delete(m.index, oldest.ID)
		if m.tails[oldest.Agent] == oldest.ID {
			delete(m.tails, oldest.Agent)
			delete(m.tailSnap, oldest.Agent)
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("pruned", removed).Int("retained", len(m.index)).Msg("checkpoints_pruned")
	}
	return removed, nil
}

// Count returns the number of indexed checkpoints.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}
