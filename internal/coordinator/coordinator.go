// Package coordinator is the orchestration root. It owns one instance of
// every manager, registers their hooks on a shared registry and drives tool
// calls through the pre and post chains.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/budget"
	"github.com/dativo-io/warden/internal/cache"
	"github.com/dativo-io/warden/internal/checkpoint"
	"github.com/dativo-io/warden/internal/cryptoutil"
	"github.com/dativo-io/warden/internal/evidence"
	"github.com/dativo-io/warden/internal/gate"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/outcome"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/watchdog"
)

// ErrNoBackend is returned by Generate when no language-model backend is configured.
var ErrNoBackend = errors.New("no generation backend configured")

// ErrUnexpectedResult is returned when a tool result has the wrong shape.
var ErrUnexpectedResult = errors.New("unexpected tool result")

// File names under the data directory.
const (
	CheckpointDirName = "checkpoints"
	LedgerFileName    = "ledger.json"
	CacheDBName       = "cache.db"
	EvidenceDBName    = "evidence.db"
)

// Config wires a Coordinator. Only DataDir is required.
type Config struct {
	Policy        *policy.Policy
	DataDir       string
	SigningKey    string // HMAC key for the side-effect audit; empty disables the audit
	CheckpointKey string // 64 hex chars or 32 raw bytes; empty leaves snapshots unsealed
	Backend       llm.Backend
	MemoryReader  watchdog.Reader // nil disables the watchdog
	Clock         func() time.Time
}

// Coordinator drives tool calls through the hook chains.
type Coordinator struct {
	pol        *policy.Policy
	dataDir    string
	now        func() time.Time
	reg        *hooks.Registry
	gate       *gate.Gate
	outcome    *outcome.Processor
	ledger     *budget.Ledger
	checkpoint *checkpoint.Manager
	watchdog   *watchdog.Watchdog
	cache      *cache.ResultCache
	evidence   *evidence.Store
	backend    llm.Backend
}

// New builds every component, restores persisted checkpoints and ledger
// state from DataDir, and registers all hooks.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("coordinator: data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	pol := cfg.Policy
	if pol == nil {
		pol = policy.Default()
	}
	c := &Coordinator{
		pol:     pol,
		dataDir: cfg.DataDir,
		now:     cfg.Clock,
		reg:     hooks.NewRegistry(),
		backend: cfg.Backend,
	}
	if c.now == nil {
		c.now = time.Now
	}
	ok := false
	defer func() {
		if !ok {
			c.closeStores()
		}
	}()

	if err := c.openCheckpoints(ctx, cfg.CheckpointKey); err != nil {
		return nil, err
	}
	if err := c.openLedger(); err != nil {
		return nil, err
	}
	if err := c.openStores(cfg.SigningKey); err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return nil, fmt.Errorf("compiling tool access policy: %w", err)
	}
	c.gate = gate.New(pol, gate.WithEngine(engine), gate.WithLedger(c.ledger), gate.WithClock(c.now))

	popts := []outcome.Option{outcome.WithClock(c.now)}
	if c.cache != nil {
		popts = append(popts, outcome.WithCache(c.cache, pol.Cache.TTL, pol.Cache.Tools))
	}
	if c.evidence != nil {
		popts = append(popts, outcome.WithEvidence(c.evidence))
	}
	if c.outcome, err = outcome.New(popts...); err != nil {
		return nil, fmt.Errorf("creating outcome processor: %w", err)
	}

	if cfg.MemoryReader != nil {
		wc := pol.Watchdog
		c.watchdog, err = watchdog.New(cfg.MemoryReader, watchdog.Config{
			Warning:     megabytes(wc.WarningMB),
			Critical:    megabytes(wc.CriticalMB),
			Max:         megabytes(wc.MaxMB),
			MinInterval: time.Second,
		}, watchdog.WithClock(c.now))
		if err != nil {
			return nil, err
		}
	}

	if err := c.register(); err != nil {
		return nil, err
	}
	if err := applyOverrides(c.reg, pol.Hooks); err != nil {
		return nil, err
	}
	ok = true
	log.Info().
		Str("data_dir", c.dataDir).
		Str("policy", pol.VersionTag).
		Int("checkpoints", c.checkpoint.Count()).
		Bool("cache", c.cache != nil).
		Bool("audit", c.evidence != nil).
		Bool("watchdog", c.watchdog != nil).
		Msg("coordinator_ready")
	return c, nil
}

func (c *Coordinator) openCheckpoints(ctx context.Context, keyStr string) error {
	var key *[32]byte
	if keyStr != "" {
		k, err := cryptoutil.ResolveKey(keyStr)
		if err != nil {
			return fmt.Errorf("checkpoint key: %w", err)
		}
		key = k
	}
	cp := c.pol.Checkpoints
	m, err := checkpoint.NewManager(checkpoint.Config{
		Dir:               filepath.Join(c.dataDir, CheckpointDirName),
		MaxCheckpoints:    cp.MaxCheckpoints,
		Interval:          cp.Interval,
		CompressThreshold: cp.CompressThreshold,
		CriticalPhases:    cp.CriticalPhases,
		CriticalTools:     cp.CriticalTools,
		Key:               key,
	}, checkpoint.WithClock(c.now))
	if err != nil {
		return err
	}
	if _, err := m.Load(ctx); err != nil {
		return err
	}
	c.checkpoint = m
	return nil
}

func (c *Coordinator) openLedger() error {
	prices := llm.NewPriceTable(c.pol.Prices)
	for tier, model := range c.pol.Tiers {
		prices.SetTier(tier, model)
	}
	b := c.pol.Budgets
	c.ledger = budget.New(budget.Limits{
		AgentTokens:  b.AgentTokens,
		GlobalTokens: b.GlobalTokens,
		Hourly:       b.Hourly,
		Daily:        b.Daily,
		Monthly:      b.Monthly,
	}, prices,
		budget.WithClock(c.now),
		budget.OnCheckpoint(c.onTokenCheckpoint),
		budget.OnSplit(c.onTaskSplit),
	)
	path := c.LedgerPath()
	if _, err := os.Stat(path); err == nil {
		if err := c.ledger.Load(path); err != nil {
			return fmt.Errorf("restoring ledger: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) openStores(signingKey string) error {
	var err error
	if !c.pol.Cache.Disabled {
		if c.cache, err = cache.Open(filepath.Join(c.dataDir, CacheDBName), cache.WithClock(c.now)); err != nil {
			return fmt.Errorf("opening result cache: %w", err)
		}
	}
	if signingKey != "" {
		if c.evidence, err = evidence.NewStore(filepath.Join(c.dataDir, EvidenceDBName), signingKey); err != nil {
			return fmt.Errorf("opening side-effect audit: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) register() error {
	steps := []struct {
		name string
		fn   func(*hooks.Registry) error
	}{
		{"gate", c.gate.Register},
		{"outcome", c.outcome.Register},
		{"budget", c.ledger.Register},
		{"checkpoint", c.checkpoint.Register},
	}
	if c.watchdog != nil {
		steps = append(steps, struct {
			name string
			fn   func(*hooks.Registry) error
		}{"watchdog", c.watchdog.Register})
	}
	for _, s := range steps {
		if err := s.fn(c.reg); err != nil {
			return fmt.Errorf("registering %s hooks: %w", s.name, err)
		}
	}
	return nil
}

// applyOverrides toggles and filters built-in hooks as the policy directs.
func applyOverrides(reg *hooks.Registry, overrides []policy.HookOverride) error {
	for _, o := range overrides {
		ev, err := hooks.ParseEvent(o.Event)
		if err != nil {
			return fmt.Errorf("hook override %s: %w", o.Name, err)
		}
		if o.Filter != nil {
			if err := reg.SetFilter(ev, o.Name, o.Filter); err != nil {
				return fmt.Errorf("hook override %s: %w", o.Name, err)
			}
		}
		if o.Enabled != nil {
			if err := reg.SetEnabled(ev, o.Name, *o.Enabled); err != nil {
				return fmt.Errorf("hook override %s: %w", o.Name, err)
			}
		}
	}
	return nil
}

// onTokenCheckpoint saves a critical checkpoint when a token counter enters
// the checkpoint band.
func (c *Coordinator) onTokenCheckpoint(ctx context.Context, agent string, r budget.TokenReport) {
	util, scope := r.Utilization, "token budget"
	if r.Counter == budget.CounterGlobal {
		util, scope = r.GlobalUtilization, "global token budget"
	}
	cp, err := c.checkpoint.Create(ctx, checkpoint.Request{
		Agent: agent,
		Event: hooks.EventCostCheck,
		Snapshot: checkpoint.Snapshot{Metrics: map[string]any{
			"tokens":      r.Total,
			"utilization": util,
			"tier":        r.Tier,
		}},
		Critical: true,
		Reason:   fmt.Sprintf("%s at %.0f%%", scope, util*100),
	})
	if err != nil {
		log.Error().Err(err).Str("agent", agent).Msg("budget_checkpoint_failed")
		return
	}
	log.Info().Str("agent", agent).Str("checkpoint_id", cp.ID).Msg("budget_checkpoint_created")
}

func (c *Coordinator) onTaskSplit(_ context.Context, agent string, r budget.TokenReport) {
	log.Warn().
		Str("agent", agent).
		Str("counter", r.Counter).
		Str("tier", r.Tier).
		Float64("utilization", r.Utilization).
		Msg("task_split_advised")
}

// persistLedger writes the ledger after a commit batch. A failed write is
// logged and retried with the next batch.
func (c *Coordinator) persistLedger(ctx context.Context) {
	if _, err := c.ledger.SaveIfChanged(c.LedgerPath()); err != nil {
		log.Error().Err(err).
			Str("path", c.LedgerPath()).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("ledger_save_failed")
	}
}

// Close saves the ledger and releases the stores.
func (c *Coordinator) Close() error {
	var errs []error
	if err := c.ledger.Save(c.LedgerPath()); err != nil {
		errs = append(errs, fmt.Errorf("saving ledger: %w", err))
	}
	if err := c.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) closeStores() error {
	var errs []error
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	if c.evidence != nil {
		errs = append(errs, c.evidence.Close())
	}
	return errors.Join(errs...)
}

// LedgerPath is where the ledger snapshot is persisted.
func (c *Coordinator) LedgerPath() string { return filepath.Join(c.dataDir, LedgerFileName) }

// Registry returns the shared hook registry.
func (c *Coordinator) Registry() *hooks.Registry { return c.reg }

// Ledger returns the budget ledger.
func (c *Coordinator) Ledger() *budget.Ledger { return c.ledger }

// Checkpoints returns the checkpoint manager.
func (c *Coordinator) Checkpoints() *checkpoint.Manager { return c.checkpoint }

// Outcome returns the outcome processor.
func (c *Coordinator) Outcome() *outcome.Processor { return c.outcome }

// Watchdog returns the memory watchdog, or nil when disabled.
func (c *Coordinator) Watchdog() *watchdog.Watchdog { return c.watchdog }

// Evidence returns the side-effect audit store, or nil when disabled.
func (c *Coordinator) Evidence() *evidence.Store { return c.evidence }

// Policy returns the runtime policy in force.
func (c *Coordinator) Policy() *policy.Policy { return c.pol }

func megabytes(v float64) uint64 { return uint64(v * (1 << 20)) }
