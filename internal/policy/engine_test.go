package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	pol, err := LoadPolicy(context.Background(), "testdata/warden.yaml", "")
	require.NoError(t, err)
	eng, err := NewEngine(context.Background(), pol)
	require.NoError(t, err)
	return eng
}

func TestEvaluateToolAccess(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		agent   string
		tool    string
		params  map[string]any
		allowed bool
	}{
		{"unrestricted agent", "builder", "write_file", map[string]any{"file_path": "/tmp/x"}, true},
		{"forbidden for agent", "reviewer", "write_file", nil, false},
		{"forbidden for everyone", "builder", "format_disk", nil, false},
		{"inside allow-list", "scout", "read_file", nil, true},
		{"outside allow-list", "scout", "bash", nil, false},
		{"forbidden pattern", "builder", "sql_query", map[string]any{"query": "DROP  TABLE users"}, false},
		{"non-string params ignored", "builder", "sql_query", map[string]any{"limit": 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := eng.EvaluateToolAccess(ctx, tt.agent, tt.tool, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed, "reasons: %v", d.Reasons)
			if !tt.allowed {
				assert.Equal(t, "deny", d.Action)
				assert.NotEmpty(t, d.Reasons)
			}
		})
	}
}

func TestEvaluateToolAccess_DefaultPolicyAllowsAll(t *testing.T) {
	eng, err := NewEngine(context.Background(), Default())
	require.NoError(t, err)
	d, err := eng.EvaluateToolAccess(context.Background(), "any", "bash", map[string]any{"command": "ls"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
