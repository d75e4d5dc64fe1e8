package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy_Testdata(t *testing.T) {
	pol, err := LoadPolicy(context.Background(), "testdata/warden.yaml", "")
	require.NoError(t, err)

	assert.Equal(t, int64(50000), pol.Budgets.AgentTokens)
	assert.Equal(t, 2.5, pol.Budgets.Hourly)
	assert.Equal(t, DefaultMonthlyBudget, pol.Budgets.Monthly, "absent fields get defaults")
	assert.Equal(t, 30*time.Second, pol.RateLimits.Window)
	assert.Equal(t, 5, pol.RateLimits.PerTool["web_search"])
	assert.Equal(t, 45*time.Second, pol.Security.CommandTimeout)
	assert.NotEmpty(t, pol.Security.SensitivePaths)
	assert.Equal(t, 15*time.Minute, pol.Checkpoints.Interval)
	assert.Equal(t, 10*time.Minute, pol.Cache.TTL)
	assert.False(t, pol.Cache.Disabled)
	assert.Equal(t, "in-house-model", pol.Tiers["fast"])
	assert.Equal(t, 0.002, pol.Prices["in-house-model"].Output)

	require.Len(t, pol.Hooks, 2)
	require.NotNil(t, pol.Hooks[0].Enabled)
	assert.False(t, *pol.Hooks[0].Enabled)
	require.NotNil(t, pol.Hooks[1].Filter)
	assert.Equal(t, []string{"web_fetch"}, pol.Hooks[1].Filter.Tools)

	assert.Contains(t, pol.VersionTag, "1:sha256:")
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing version", "budgets:\n  hourly: 1\n"},
		{"unknown section", "version: \"1\"\nagents: {}\n"},
		{"negative budget", "version: \"1\"\nbudgets:\n  daily: -1\n"},
		{"bad duration", "version: \"1\"\nrate_limits:\n  window: soon\n"},
		{"bad operator", "version: \"1\"\nhooks:\n  - name: x\n    event: pre_tool_use\n    filter:\n      conditions:\n        - field: tool_name\n          operator: like\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestParse_CrossFieldRules(t *testing.T) {
	_, err := Parse([]byte("version: \"1\"\nwatchdog:\n  warning_mb: 900\n  critical_mb: 800\n  max_mb: 1000\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = Parse([]byte("version: \"1\"\nhooks:\n  - name: x\n    event: not_an_event\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestLoadPolicy_PathTraversal(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(filepath.Dir(dir), "outside.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.yaml"), []byte("version: \"1\"\n"), 0o600))

	_, err := LoadPolicy(context.Background(), "ok.yaml", dir)
	require.NoError(t, err)

	_, err = LoadPolicy(context.Background(), "../outside.yaml", dir)
	assert.Error(t, err)
	_, err = LoadPolicy(context.Background(), outside, dir)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	pol := Default()
	assert.Equal(t, int64(DefaultAgentTokens), pol.Budgets.AgentTokens)
	assert.Equal(t, DefaultRateWindow, pol.RateLimits.Window)
	assert.Less(t, pol.Watchdog.WarningMB, pol.Watchdog.CriticalMB)
	assert.NotEmpty(t, pol.VersionTag)
}
