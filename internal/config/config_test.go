package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SIGNING_KEY", "CHECKPOINT_KEY", "DATA_DIR", "POLICY_FILE", "LISTEN_ADDR", "API_KEYS", "WATCHDOG", "MAINTENANCE_INTERVAL"} {
		t.Setenv("WARDEN_"+k, "")
	}
	viper.Reset()
	setDefaults()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyFile, cfg.PolicyFile)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultMaintenanceInterval, cfg.MaintenanceInterval)
	assert.True(t, cfg.Watchdog)
	assert.Empty(t, cfg.CheckpointKey)
	assert.True(t, cfg.UsingDefaultSigningKey())
	assert.Len(t, cfg.SigningKey, 64)
}

func TestLoad_FromEnv(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)
	t.Setenv("WARDEN_SIGNING_KEY", "my-signing-key-at-least-32-chars!")
	t.Setenv("WARDEN_CHECKPOINT_KEY", strings.Repeat("0f", 32))
	t.Setenv("WARDEN_API_KEYS", "key-one, key-two")
	t.Setenv("WARDEN_WATCHDOG", "false")
	t.Setenv("WARDEN_MAINTENANCE_INTERVAL", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.False(t, cfg.UsingDefaultSigningKey())
	assert.Equal(t, []string{"key-one", "key-two"}, cfg.APIKeys)
	assert.False(t, cfg.Watchdog)
	assert.Equal(t, 90*time.Second, cfg.MaintenanceInterval)
	assert.Equal(t, dir+"/evidence.db", cfg.EvidenceDBPath())
}

func TestLoad_InvalidKeys(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_SIGNING_KEY", "short")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key must be at least 32 bytes")

	resetViper(t)
	t.Setenv("WARDEN_CHECKPOINT_KEY", "not-a-key")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint_key")
}

func TestDeriveDefaultKey_StablePerDataDir(t *testing.T) {
	a := deriveDefaultKey("/srv/a", "salt")
	assert.Equal(t, a, deriveDefaultKey("/srv/a", "salt"))
	assert.NotEqual(t, a, deriveDefaultKey("/srv/b", "salt"))
}
