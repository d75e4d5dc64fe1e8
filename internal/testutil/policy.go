package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTestPolicyFile creates a permissive warden.yaml in dir and returns its path.
func WriteTestPolicyFile(t *testing.T, dir string) string {
	t.Helper()
	return writePolicy(t, dir, `version: "1"
budgets:
  agent_tokens: 100000
  hourly: 100
  daily: 1000
  monthly: 10000
rate_limits:
  window: 60s
  default: 1000
`)
}

// WriteStrictPolicyFile creates a warden.yaml with tight ceilings and a tool
// denylist so tests can exercise rejections.
func WriteStrictPolicyFile(t *testing.T, dir string) string {
	t.Helper()
	return writePolicy(t, dir, `version: "1"
budgets:
  agent_tokens: 1000
  hourly: 0.01
  daily: 0.02
rate_limits:
  window: 60s
  default: 2
tool_access:
  forbidden_tools:
    "*": [format_disk]
`)
}

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
