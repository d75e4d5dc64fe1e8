package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/testutil"
)

func checkNamed(t *testing.T, r *Report, name string) CheckResult {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report", name)
	return CheckResult{}
}

func TestRun_HealthyInstall(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)
	t.Setenv("WARDEN_SIGNING_KEY", testutil.TestSigningKey)
	t.Setenv("WARDEN_CHECKPOINT_KEY", testutil.TestCheckpointKey)
	t.Setenv("WARDEN_POLICY_FILE", testutil.WriteTestPolicyFile(t, dir))

	report := Run(context.Background(), Options{SkipMemory: true})

	assert.Equal(t, StatusPass, report.Status, "%+v", report.Checks)
	assert.Equal(t, 0, report.Summary.Fail)
	assert.Equal(t, StatusPass, checkNamed(t, report, "policy_valid").Status)
	assert.Equal(t, StatusPass, checkNamed(t, report, "checkpoint_key").Status)
	assert.Contains(t, checkNamed(t, report, "state_open").Message, "0 checkpoints")
}

func TestRun_DefaultsWarn(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)
	t.Setenv("WARDEN_SIGNING_KEY", "")
	t.Setenv("WARDEN_CHECKPOINT_KEY", "")
	t.Setenv("WARDEN_POLICY_FILE", "")

	prevWd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prevWd) })

	report := Run(context.Background(), Options{SkipMemory: true})
	assert.Equal(t, StatusWarn, report.Status)
	assert.Equal(t, StatusWarn, checkNamed(t, report, "signing_key").Status)
	assert.Equal(t, StatusWarn, checkNamed(t, report, "checkpoint_key").Status)
	assert.Equal(t, StatusWarn, checkNamed(t, report, "policy_valid").Status)
	assert.Equal(t, StatusPass, checkNamed(t, report, "state_open").Status)
}

func TestRun_BrokenPolicyFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budgets: [nope"), 0o600))
	t.Setenv("WARDEN_POLICY_FILE", path)

	report := Run(context.Background(), Options{SkipMemory: true})
	assert.Equal(t, StatusFail, report.Status)
	assert.Equal(t, StatusFail, checkNamed(t, report, "policy_valid").Status)
	for _, c := range report.Checks {
		assert.NotEqual(t, "state_open", c.Name)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("WARDEN_SIGNING_KEY", "short")
	report := Run(context.Background(), Options{SkipMemory: true})
	assert.Equal(t, StatusFail, report.Status)
	assert.Equal(t, "config_load", report.Checks[0].Name)
}

func TestRun_SamplesMemory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)
	t.Setenv("WARDEN_POLICY_FILE", testutil.WriteTestPolicyFile(t, dir))

	report := Run(context.Background(), Options{})
	mem := checkNamed(t, report, "process_memory")
	assert.NotEmpty(t, mem.Status)
	assert.NotEmpty(t, mem.Message)
}
