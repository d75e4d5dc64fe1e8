// Package config holds OPERATOR-LEVEL configuration for a Warden process:
// where state lives, the keys that protect it and how the HTTP API listens.
//
// Runtime behaviour (budgets, denylists, rate limits, checkpoint policy)
// is NOT configured here; it lives in the warden.yaml policy loaded by the
// policy package. Values here come from WARDEN_* env vars or from
// warden.config.yaml in ~/.warden or the working directory.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/warden/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "checkpoint_key" → WARDEN_CHECKPOINT_KEY) and to a YAML field
// in warden.config.yaml.
const (
	KeyDataDir             = "data_dir"
	KeySigningKey          = "signing_key"
	KeyCheckpointKey       = "checkpoint_key"
	KeyPolicyFile          = "policy_file"
	KeyListenAddr          = "listen_addr"
	KeyAPIKeys             = "api_keys"
	KeyWatchdog            = "watchdog"
	KeyMaintenanceInterval = "maintenance_interval"
)

// Defaults for non-secret settings.
const (
	DefaultPolicyFile          = "warden.yaml"
	DefaultListenAddr          = "127.0.0.1:8470"
	DefaultMaintenanceInterval = 5 * time.Minute
)

// Config is the resolved operator configuration.
type Config struct {
	DataDir             string        // Base directory for all state (~/.warden)
	SigningKey          string        // HMAC-SHA256 key for side-effect records (≥32 bytes)
	CheckpointKey       string        // secretbox key for checkpoint files; empty leaves them unsealed
	PolicyFile          string        // Runtime policy path
	ListenAddr          string        // HTTP API address
	APIKeys             []string      // Bearer keys accepted by the HTTP API
	Watchdog            bool          // Sample process memory
	MaintenanceInterval time.Duration // Ledger save, checkpoint prune and cache purge cadence

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey reports whether the signing key was derived rather than set.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// EvidenceDBPath returns the side-effect audit database path.
func (c *Config) EvidenceDBPath() string {
	return filepath.Join(c.DataDir, "evidence.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs when the signing key fell back to a derived value.
// WARDEN_QUICKSTART=1 silences it.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() || !c.usingDefaultSigningKey {
		return
	}
	log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY; set it via env var or config file for production")
}

func isQuickstart() bool {
	v := strings.ToLower(os.Getenv("WARDEN_QUICKSTART"))
	return v == "1" || v == "true"
}

func init() {
	setDefaults()
}

func setDefaults() {
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyWatchdog, true)
	viper.SetDefault(KeyMaintenanceInterval, DefaultMaintenanceInterval)
}

// Load reads configuration from Viper (env vars, config file, defaults)
// and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		SigningKey:          viper.GetString(KeySigningKey),
		CheckpointKey:       viper.GetString(KeyCheckpointKey),
		PolicyFile:          viper.GetString(KeyPolicyFile),
		ListenAddr:          viper.GetString(KeyListenAddr),
		APIKeys:             splitKeys(viper.GetStringSlice(KeyAPIKeys)),
		Watchdog:            viper.GetBool(KeyWatchdog),
		MaintenanceInterval: viper.GetDuration(KeyMaintenanceInterval),
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "side-effect-signing")
		cfg.usingDefaultSigningKey = true
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// splitKeys accepts both a YAML list and a comma-separated env var.
func splitKeys(in []string) []string {
	var out []string
	for _, v := range in {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic per-machine fallback so a fresh
// install works without setup. It is not a substitute for a real key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.CheckpointKey != "" {
		if _, err := cryptoutil.ResolveKey(c.CheckpointKey); err != nil {
			return fmt.Errorf("checkpoint_key: %w; set WARDEN_CHECKPOINT_KEY", err)
		}
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance_interval must be positive")
	}
	return nil
}

// validateSigningKey accepts ≥64 hex characters or ≥32 raw bytes.
func validateSigningKey(key string) error {
	if _, ok := cryptoutil.DecodeHexKey(key, 32); ok {
		return nil
	}
	if len(key) >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set WARDEN_SIGNING_KEY", len(key))
}
