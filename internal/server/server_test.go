package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/testutil"
)

const testKey = "test-api-key"

func newTestServer(t *testing.T, opts ...Option) (*coordinator.Coordinator, http.Handler) {
	t.Helper()
	c, err := coordinator.New(context.Background(), coordinator.Config{
		DataDir:    t.TempDir(),
		SigningKey: testutil.TestSigningKey,
		Backend:    &testutil.MockBackend{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, NewServer(c, map[string]string{testKey: "ci"}, opts...).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealth_Unauthenticated(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health?detail=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "ok", out["status"])
	components := out["components"].(map[string]any)
	assert.Equal(t, "ok", components["audit"])
	assert.Equal(t, "disabled", components["watchdog"])
}

func TestAuth_RejectsMissingAndWrongKey(t *testing.T) {
	_, h := newTestServer(t)
	for _, key := range []string{"", "nope"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
		if key != "" {
			req.Header.Set("X-Warden-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "key %q", key)
	}
}

func TestPrecheck_AllowsAndBlocks(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/precheck", coordinator.Call{
		Agent: "remote", Tool: "read_file", Params: map[string]any{"file_path": "README.md"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.Equal(t, false, out["blocked"])
	assert.NotEmpty(t, out["metadata"].(map[string]any)[hooks.MetaCorrelationID])

	rec = do(t, h, http.MethodPost, "/v1/precheck", coordinator.Call{
		Agent: "remote", Tool: "write_file", Params: map[string]any{"file_path": "/etc/shadow", "content": "x"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, "rejected", out["error"])
	assert.Equal(t, true, out["outcome"].(map[string]any)["blocked"])

	rec = do(t, h, http.MethodPost, "/v1/precheck", map[string]any{"agent": "remote"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComplete_RecordsToolStats(t *testing.T) {
	c, h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/complete", map[string]any{
		"agent":       "remote",
		"tool":        "read_file",
		"parameters":  map[string]any{"file_path": "missing.txt"},
		"error":       "open missing.txt: no such file or directory",
		"duration_ms": 12.5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.NotEmpty(t, out["metadata"].(map[string]any)[hooks.MetaRecovery])

	stats, ok := c.Outcome().Stats("read_file")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Failures)

	rec = do(t, h, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["tools"], 1)
}

func TestEvents_MilestoneThenCheckpointRoutes(t *testing.T) {
	c, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/events", map[string]any{
		"event":     string(hooks.EventMilestone),
		"agent":     "planner",
		"artifacts": map[string]any{"plan.md": "v1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id, _ := decodeBody(t, rec)["checkpoint_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, c.Checkpoints().Count())

	rec = do(t, h, http.MethodGet, "/v1/checkpoints?agent=planner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/v1/checkpoints/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "planner", decodeBody(t, rec)["agent"])

	rec = do(t, h, http.MethodPost, "/v1/checkpoints/"+id+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, decodeBody(t, rec)["id"])

	rec = do(t, h, http.MethodGet, "/v1/checkpoints/"+id+"/lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["lineage"], 1)

	rec = do(t, h, http.MethodGet, "/v1/checkpoints/cp_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/checkpoints/cp_missing/restore", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_RejectsUnknownAndToolEvents(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/events", map[string]any{"event": "lunch_break", "agent": "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/events", map[string]any{"event": string(hooks.EventPreToolUse), "agent": "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageAndHooks(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "total_cost")

	rec = do(t, h, http.MethodGet, "/v1/hooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["hooks"])

	rec = do(t, h, http.MethodGet, "/v1/memory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSideEffects_ListAndVerify(t *testing.T) {
	c, h := newTestServer(t)
	target := t.TempDir() + "/out.txt"
	_, err := c.Execute(context.Background(), coordinator.Call{
		Agent: "builder", Tool: "write_file", Params: map[string]any{"file_path": target, "content": "hi"},
	}, func(context.Context, map[string]any) (any, error) { return "ok", nil })
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/side-effects?agent=builder", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, float64(1), out["count"])
	id := out["side_effects"].([]any)[0].(map[string]any)["id"].(string)

	rec = do(t, h, http.MethodGet, "/v1/side-effects/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["valid"])
}

func TestRateLimitMiddleware_PerCaller(t *testing.T) {
	_, h := newTestServer(t, WithCallerRate(0.001, 1))
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/usage", nil).Code)
	rec := do(t, h, http.MethodGet, "/v1/usage", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	_, h := newTestServer(t, WithCORSOrigins([]string{"https://ops.example.com"}))
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
