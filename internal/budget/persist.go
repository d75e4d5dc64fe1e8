package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// snapshot is the on-disk ledger format.
type snapshot struct {
	TotalCost   float64                `json:"total_cost"`
	Hourly      map[string]float64     `json:"hourly_costs"`
	Daily       map[string]float64     `json:"daily_costs"`
	Monthly     map[string]float64     `json:"monthly_costs"`
	ByTool      map[string]float64     `json:"tool_costs"`
	ByAgent     map[string]float64     `json:"agent_costs"`
	Tokens      map[string]*TokenUsage `json:"token_usage"`
	Global      *TokenUsage            `json:"global_token_usage,omitempty"`
	LastHour    string                 `json:"last_hour_key"`
	Checkpoints []Trigger              `json:"triggered_checkpoints"`
	Splits      []Trigger              `json:"triggered_splits"`
	SavedAt     time.Time              `json:"saved_at"`
}

// Save writes the ledger to path atomically (temp file then rename).
func (l *Ledger) Save(path string) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	return l.save(path)
}

// SaveIfChanged writes the ledger only when something was committed since the
// last save or load. It reports whether a write happened.
func (l *Ledger) SaveIfChanged(path string) (bool, error) {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	l.mu.Lock()
	dirty := l.version != l.saved
	l.mu.Unlock()
	if !dirty {
		return false, nil
	}
	return true, l.save(path)
}

// save snapshots and writes the ledger; the caller holds l.saveMu so
// concurrent saves land in commit order.
func (l *Ledger) save(path string) error {
	l.mu.Lock()
	version := l.version
	global := l.global
	snap := snapshot{
		TotalCost:   l.total,
		Hourly:      copyFloats(l.hourly),
		Daily:       copyFloats(l.daily),
		Monthly:     copyFloats(l.monthly),
		ByTool:      copyFloats(l.byTool),
		ByAgent:     copyFloats(l.byAgent),
		Tokens:      make(map[string]*TokenUsage, len(l.tokens)),
		Global:      &global,
		LastHour:    l.lastHour,
		Checkpoints: append([]Trigger(nil), l.checkpoints...),
		Splits:      append([]Trigger(nil), l.splits...),
		SavedAt:     l.now().UTC(),
	}
	for k, v := range l.tokens {
		u := *v
		snap.Tokens[k] = &u
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("creating ledger temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing ledger temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing ledger file: %w", err)
	}
	l.mu.Lock()
	l.saved = version
	l.mu.Unlock()
	return nil
}

// Load restores counters from path. A missing file leaves the ledger empty.
func (l *Ledger) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding ledger %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = snap.TotalCost
	l.hourly = nonNil(snap.Hourly)
	l.daily = nonNil(snap.Daily)
	l.monthly = nonNil(snap.Monthly)
	l.byTool = nonNil(snap.ByTool)
	l.byAgent = nonNil(snap.ByAgent)
	l.tokens = make(map[string]*TokenUsage, len(snap.Tokens))
	for k, v := range snap.Tokens {
		if v != nil {
			l.tokens[k] = v
		}
	}
	l.global = TokenUsage{State: StateNormal}
	if snap.Global != nil {
		l.global = *snap.Global
	}
	if snap.LastHour > l.lastHour {
		l.lastHour = snap.LastHour
	}
	l.checkpoints = snap.Checkpoints
	l.splits = snap.Splits
	l.saved = l.version

	log.Info().
		Str("path", path).
		Float64("total_cost", l.total).
		Int("agents", len(l.tokens)).
		Msg("ledger_loaded")
	return nil
}

func copyFloats(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nonNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return make(map[string]float64)
	}
	return m
}
