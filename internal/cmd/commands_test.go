package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteStrictPolicyFile(t, dir)

	out, err := run(t, "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Policy valid")
	assert.Contains(t, out, "Agent token budget: 1000")

	bad := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("budgets: [unterminated"), 0o600))
	_, err = run(t, "validate", "-f", bad)
	assert.Error(t, err)
}

func TestStateCommands_OnFreshDataDir(t *testing.T) {
	t.Setenv("WARDEN_QUICKSTART", "1")
	dir := t.TempDir()

	out, err := run(t, "--data-dir", dir, "costs", "--json")
	require.NoError(t, err)
	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, float64(0), sum["total_cost"])

	out, err = run(t, "--data-dir", dir, "checkpoints", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No checkpoints.")

	_, err = run(t, "--data-dir", dir, "checkpoints", "show", "cp_missing")
	assert.Error(t, err)

	out, err = run(t, "--data-dir", dir, "maintain")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoints_pruned")

	out, err = run(t, "--data-dir", dir, "audit", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No side effects recorded.")

	assert.FileExists(t, filepath.Join(dir, "ledger.json"))
}
