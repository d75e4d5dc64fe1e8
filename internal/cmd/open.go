package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/watchdog"
)

// loadPolicy reads the runtime policy. A missing default file falls back to
// the built-in policy; a missing explicit file is an error.
func loadPolicy(ctx context.Context, cfg *config.Config) (*policy.Policy, error) {
	pol, err := policy.LoadPolicy(ctx, cfg.PolicyFile, policyBaseDir(cfg.PolicyFile))
	if err == nil {
		return pol, nil
	}
	if errors.Is(err, fs.ErrNotExist) && cfg.PolicyFile == config.DefaultPolicyFile {
		log.Info().Str("file", cfg.PolicyFile).Msg("policy_file_missing_using_defaults")
		return policy.Default(), nil
	}
	return nil, fmt.Errorf("loading policy: %w", err)
}

// policyBaseDir confines relative paths to the working directory and lets
// an absolute path name its own directory.
func policyBaseDir(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Dir(path)
	}
	return ""
}

// openCoordinator loads operator config and policy and builds a Coordinator.
// withWatchdog attaches a process memory reader when the config enables it.
func openCoordinator(ctx context.Context, withWatchdog bool) (*coordinator.Coordinator, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	pol, err := loadPolicy(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	ccfg := coordinator.Config{
		Policy:        pol,
		DataDir:       cfg.DataDir,
		SigningKey:    cfg.SigningKey,
		CheckpointKey: cfg.CheckpointKey,
	}
	if withWatchdog && cfg.Watchdog {
		reader, err := watchdog.NewProcessReader(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("memory_watchdog_unavailable")
		} else {
			ccfg.MemoryReader = reader
		}
	}
	c, err := coordinator.New(ctx, ccfg)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}
