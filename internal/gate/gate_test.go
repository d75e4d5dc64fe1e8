package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/budget"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/testutil"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	gate   *Gate
	reg    *hooks.Registry
	ledger *budget.Ledger
	clock  *testutil.Clock
}

func newFixture(t *testing.T, mutate func(*policy.Policy), opts ...Option) *fixture {
	t.Helper()
	pol := policy.Default()
	if mutate != nil {
		mutate(pol)
	}
	clock := testutil.NewClock(t0)
	ledger := budget.New(budget.Limits{
		AgentTokens: pol.Budgets.AgentTokens,
		Hourly:      pol.Budgets.Hourly,
		Daily:       pol.Budgets.Daily,
		Monthly:     pol.Budgets.Monthly,
	}, llm.NewPriceTable(pol.Prices), budget.WithClock(clock.Now))
	opts = append([]Option{WithLedger(ledger), WithClock(clock.Now)}, opts...)
	g := New(pol, opts...)
	reg := hooks.NewRegistry()
	require.NoError(t, g.Register(reg))
	return &fixture{gate: g, reg: reg, ledger: ledger, clock: clock}
}

func (f *fixture) dispatch(agent, tool string, params map[string]any) (*hooks.ExecutionContext, *hooks.Report) {
	ec := hooks.NewExecutionContext(hooks.EventPreToolUse, agent, tool, params)
	return f.reg.Dispatch(context.Background(), ec)
}

func rejectionOf(t *testing.T, err error) *Rejection {
	t.Helper()
	var r *Rejection
	require.True(t, errors.As(err, &r), "expected *Rejection, got %v", err)
	return r
}

func TestRegister_ChainOrder(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, []string{
		HookSecurity, HookRateLimit, HookParameters, HookCost,
		HookBudget, HookEnrichment, HookPerformance,
	}, f.reg.Names(hooks.EventPreToolUse))
}

func TestGate_SensitivePathRejectedFirst(t *testing.T) {
	f := newFixture(t, nil)
	ec, rep := f.dispatch("coder", "write_file", map[string]any{
		"file_path": "/etc/shadow",
		"content":   "root::0:0",
	})

	require.Error(t, ec.Err)
	assert.ErrorIs(t, ec.Err, ErrSecurityRejection)
	r := rejectionOf(t, ec.Err)
	assert.Equal(t, HookSecurity, r.Hook)
	assert.Contains(t, r.Reason, "/etc/shadow")
	assert.False(t, r.Retryable)

	assert.Equal(t, []string{HookSecurity}, rep.Ran)
	assert.Equal(t, HookSecurity, rep.HaltedBy)
	assert.Equal(t, 0, f.gate.RateLimiter().Count("write_file"))
	_, estimated := ec.Metadata[hooks.MetaEstimatedCost]
	assert.False(t, estimated)
	assert.Equal(t, 0.0, f.ledger.Summary().TotalCost)
}

func TestGate_RateLimitWindow(t *testing.T) {
	f := newFixture(t, func(p *policy.Policy) {
		p.RateLimits.Window = time.Minute
		p.RateLimits.PerTool = map[string]int{"read_file": 3}
	})
	params := func() map[string]any { return map[string]any{"file_path": "src/main.go"} }

	for i := 0; i < 3; i++ {
		ec, _ := f.dispatch("coder", "read_file", params())
		require.NoError(t, ec.Err, "call %d", i+1)
		f.clock.Advance(10 * time.Second)
	}

	ec, rep := f.dispatch("coder", "read_file", params())
	require.Error(t, ec.Err)
	assert.ErrorIs(t, ec.Err, ErrRateLimitExceeded)
	r := rejectionOf(t, ec.Err)
	assert.True(t, r.Retryable)
	assert.Equal(t, 30*time.Second, r.RetryAfter)
	assert.Equal(t, HookRateLimit, rep.HaltedBy)

	// Other tools have their own window.
	ec, _ = f.dispatch("coder", "search_code", map[string]any{"query": "TODO"})
	require.NoError(t, ec.Err)

	// Once the first call ages out the same call passes.
	f.clock.Set(t0.Add(time.Minute))
	ec, _ = f.dispatch("coder", "read_file", params())
	require.NoError(t, ec.Err)
}

func TestGate_DangerousCommand(t *testing.T) {
	f := newFixture(t, nil)
	ec, _ := f.dispatch("ops", "run_command", map[string]any{"command": "sudo rm -rf /var/lib"})
	assert.ErrorIs(t, ec.Err, ErrSecurityRejection)
}

func TestGate_ExecuteGetsDefaultTimeout(t *testing.T) {
	f := newFixture(t, nil)
	ec, _ := f.dispatch("ops", "run_command", map[string]any{"command": "go test ./..."})
	require.NoError(t, ec.Err)
	assert.Equal(t, int(policy.DefaultCommandTimeout.Seconds()), ec.Parameters["timeout"])
	assert.Equal(t, float64(20000), ec.Metadata[hooks.MetaPredictedDuration])
}

func TestGate_ValidationRejection(t *testing.T) {
	f := newFixture(t, func(p *policy.Policy) { p.Security.MaxWriteBytes = 8 })
	ec, rep := f.dispatch("coder", "write_file", map[string]any{
		"file_path": "out.txt",
		"content":   "more than eight bytes",
	})
	assert.ErrorIs(t, ec.Err, ErrValidation)
	assert.Equal(t, HookParameters, rep.HaltedBy)
	assert.Contains(t, rejectionOf(t, ec.Err).Reason, "exceeds limit of 8")
}

func TestGate_PrivateURLRejected(t *testing.T) {
	f := newFixture(t, nil)
	ec, _ := f.dispatch("researcher", "web_fetch", map[string]any{"url": "http://169.254.169.254/latest/meta-data"})
	assert.ErrorIs(t, ec.Err, ErrValidation)
}

func TestGate_EnrichesNetworkCall(t *testing.T) {
	f := newFixture(t, nil)
	ec, _ := f.dispatch("researcher", "web_fetch", map[string]any{
		"url":     "https://example.com/docs",
		"headers": map[string]any{"Accept": "text/html"},
	})
	require.NoError(t, ec.Err)

	id := ec.MetaString(hooks.MetaCorrelationID)
	require.NotEmpty(t, id)
	headers, ok := ec.Parameters["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text/html", headers["Accept"])
	assert.Equal(t, UserAgent, headers["User-Agent"])
	assert.Equal(t, id, headers["X-Correlation-ID"])
	assert.Equal(t, "researcher", ec.Metadata[MetaAgent])
	assert.Equal(t, t0, ec.Metadata[MetaEnrichedAt])
	assert.Equal(t, float64(1000), ec.Metadata[hooks.MetaPredictedDuration])
}

func TestGate_EnrichLeavesCallerHeadersAlone(t *testing.T) {
	f := newFixture(t, nil)
	callerHeaders := map[string]any{"Accept": "application/json"}
	ec, _ := f.dispatch("researcher", "web_fetch", map[string]any{
		"url":     "https://example.com/api",
		"headers": callerHeaders,
	})
	require.NoError(t, ec.Err)

	assert.Equal(t, map[string]any{"Accept": "application/json"}, callerHeaders)
	sent, ok := ec.Parameters["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, UserAgent, sent["User-Agent"])
}

func TestGate_BackupPathForWrites(t *testing.T) {
	f := newFixture(t, nil)
	ec, _ := f.dispatch("coder", "write_file", map[string]any{"file_path": "pkg/api/handler.go", "content": "package api"})
	require.NoError(t, ec.Err)
	assert.Equal(t, "pkg/api/.handler.go.bak-20260504T090000", ec.Metadata[hooks.MetaBackupPath])
}

func TestGate_CostEstimateAndReceipt(t *testing.T) {
	f := newFixture(t, func(p *policy.Policy) { p.Budgets.HighCostThreshold = 0.01 })
	ec, _ := f.dispatch("planner", "generate_text", map[string]any{
		"prompt":     strings.Repeat("a", 400),
		"tier":       llm.TierPowerful,
		"max_tokens": 4000,
	})
	require.NoError(t, ec.Err)

	cost, ok := ec.MetaFloat(hooks.MetaEstimatedCost)
	require.True(t, ok)
	expected := f.ledger.Prices().EstimateCost(llm.TierPowerful, llm.EstimateUnits(ec.Parameters), 4000)
	assert.InDelta(t, expected, cost, 1e-9)
	assert.True(t, ec.MetaBool(hooks.MetaHighCost))

	alts, ok := ec.Metadata[MetaAlternatives].([]budget.Suggestion)
	require.True(t, ok)
	assert.NotEmpty(t, alts)

	receipt, ok := ec.Metadata[hooks.MetaCostReceipt].(*budget.Receipt)
	require.True(t, ok)
	assert.InDelta(t, cost, receipt.Cost, 1e-9)
	assert.InDelta(t, cost, f.ledger.Summary().Hour.Spent, 1e-9)
}

func TestGate_BudgetExceededBlocks(t *testing.T) {
	f := newFixture(t, func(p *policy.Policy) { p.Budgets.Hourly = 0.01 })
	ec, rep := f.dispatch("planner", "generate_text", map[string]any{
		"prompt":     "design the schema",
		"tier":       llm.TierPowerful,
		"max_tokens": 4000,
	})
	require.Error(t, ec.Err)
	assert.ErrorIs(t, ec.Err, budget.ErrBudgetExceeded)
	r := rejectionOf(t, ec.Err)
	assert.Equal(t, KindBudget, r.Kind)
	assert.Equal(t, HookBudget, rep.HaltedBy)
	assert.NotContains(t, rep.Ran, HookEnrichment)
	assert.Equal(t, 0.0, f.ledger.Summary().Hour.Spent)
}

func TestGate_PolicyEngineDenies(t *testing.T) {
	pol := policy.Default()
	pol.ToolAccess.ForbiddenTools = map[string][]string{"*": {"git_push"}}
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)

	f := newFixture(t, func(p *policy.Policy) { p.ToolAccess = pol.ToolAccess }, WithEngine(engine))
	assert.Contains(t, f.reg.Names(hooks.EventPreToolUse), HookPolicy)

	ec, rep := f.dispatch("coder", "git_push", map[string]any{"remote": "origin"})
	assert.ErrorIs(t, ec.Err, ErrSecurityRejection)
	assert.Equal(t, KindPolicy, rejectionOf(t, ec.Err).Kind)
	assert.Equal(t, []string{HookSecurity, HookPolicy}, rep.Ran)

	ec, _ = f.dispatch("coder", "read_file", map[string]any{"file_path": "README.md"})
	assert.NoError(t, ec.Err)
}

func TestRejection_Unwrap(t *testing.T) {
	assert.ErrorIs(t, reject(KindSecurity, "h", "x"), ErrSecurityRejection)
	assert.ErrorIs(t, reject(KindPolicy, "h", "x"), ErrSecurityRejection)
	assert.ErrorIs(t, reject(KindRateLimit, "h", "x"), ErrRateLimitExceeded)
	assert.ErrorIs(t, reject(KindValidation, "h", "x"), ErrValidation)
	assert.Equal(t, "validation rejected by parameter_validation: bad url",
		reject(KindValidation, HookParameters, "bad %s", "url").Error())
}

func TestPredictDuration(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, PredictDuration("read_file", nil))
	assert.Equal(t, 2*time.Second, PredictDuration("bash", map[string]any{"command": "ls"}))
	assert.Equal(t, 20*time.Second, PredictDuration("bash", map[string]any{"command": "npm install"}))
	big := strings.Repeat("x", 1<<20)
	assert.Equal(t, 200*time.Millisecond, PredictDuration("write_file", map[string]any{"content": big}))
}
