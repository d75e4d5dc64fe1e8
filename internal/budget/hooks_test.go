package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/internal/requestctx"
	"github.com/dativo-io/warden/internal/testutil"
)

func TestRegister_ReconcilesActualCost(t *testing.T) {
	l := New(Limits{Hourly: 10}, nil, WithClock(testutil.NewClock(t0).Now))
	reg := hooks.NewRegistry()
	require.NoError(t, l.Register(reg))

	ctx := context.Background()
	receipt, err := l.TrackDollarCost(ctx, 0.5, "web_search", "scout")
	require.NoError(t, err)

	ec := hooks.NewExecutionContext(hooks.EventPostToolUse, "scout", "web_search", nil)
	ec.SetMeta(hooks.MetaCostReceipt, receipt)
	ec.SetMeta(hooks.MetaActualCost, 0.2)
	_, report := reg.Dispatch(ctx, ec)
	assert.Empty(t, report.Failures)
	assert.InDelta(t, 0.2, l.Summary().Hour.Spent, 1e-12)
}

func TestRegister_TracksGenerationTokens(t *testing.T) {
	l := New(Limits{AgentTokens: 100}, nil)
	reg := hooks.NewRegistry()
	require.NoError(t, l.Register(reg))

	ec := hooks.NewExecutionContext(hooks.EventPostToolUse, "writer", "generate_text", map[string]any{"tier": llm.TierFast})
	ec.Result = &llm.Response{Content: "ok", Usage: llm.Usage{InputUnits: 60, OutputUnits: 35}}
	out, _ := reg.Dispatch(context.Background(), ec)

	assert.Equal(t, string(ActionCheckpoint), out.MetaString(MetaBudgetAction))
	require.Len(t, out.Alerts(), 1)
	assert.Contains(t, out.Alerts()[0], "checkpoint triggered")
	assert.Equal(t, int64(95), l.AgentUsage("writer").Total())
}

func TestRegister_CostCheckAlerts(t *testing.T) {
	l := New(Limits{Daily: 1}, nil, WithClock(testutil.NewClock(t0).Now))
	reg := hooks.NewRegistry()
	require.NoError(t, l.Register(reg))
	_, err := l.TrackDollarCost(context.Background(), 0.96, "t", "a")
	require.NoError(t, err)

	out, _ := reg.Dispatch(context.Background(), hooks.NewExecutionContext(hooks.EventCostCheck, "", "", nil))
	require.Len(t, out.Alerts(), 1)
	assert.Contains(t, out.Alerts()[0], "critical: daily")
	_, ok := out.Metadata["budget_summary"].(Summary)
	assert.True(t, ok)
}

func TestBudgetedBackend(t *testing.T) {
	clk := testutil.NewClock(t0)
	l := New(Limits{Hourly: 1.0, AgentTokens: 1000}, nil, WithClock(clk.Now))
	mock := &testutil.MockBackend{InputUnits: 100, OutputUnits: 50}
	b := NewBudgetedBackend(mock, l)
	ctx := requestctx.SetAgent(context.Background(), "writer")

	res, err := b.GenerateTracked(ctx, &llm.Request{Prompt: "hello", Model: llm.TierBalanced, MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", res.Response.Content)
	assert.Equal(t, int64(150), res.Tokens.Total)

	want := llm.Price{Input: 0.003, Output: 0.015}.Cost(100, 50)
	assert.InDelta(t, want, l.Summary().Hour.Spent, 1e-12, "estimate reconciled to usage-derived cost")
	assert.InDelta(t, want, l.Summary().ByAgent["writer"], 1e-12)

	_, err = b.Generate(ctx, &llm.Request{})
	assert.ErrorIs(t, err, llm.ErrEmptyPrompt)
}

func TestBudgetedBackend_RefusesOverBudget(t *testing.T) {
	l := New(Limits{Hourly: 0.001}, nil, WithClock(testutil.NewClock(t0).Now))
	mock := &testutil.MockBackend{}
	b := NewBudgetedBackend(mock, l)

	_, err := b.Generate(context.Background(), &llm.Request{Prompt: "hi", Model: llm.TierPowerful, MaxTokens: 4000})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 0, mock.CallCount())
}

func TestBudgetedBackend_BackendErrorReleasesReservation(t *testing.T) {
	l := New(Limits{Hourly: 1}, nil, WithClock(testutil.NewClock(t0).Now))
	b := NewBudgetedBackend(&testutil.MockBackend{Err: errors.New("upstream down")}, l)

	_, err := b.Generate(context.Background(), &llm.Request{Prompt: "hi", MaxTokens: 100})
	require.Error(t, err)
	assert.InDelta(t, 0, l.Summary().Hour.Spent, 1e-12)
}

func TestRegister_FailedOrCachedCallSettlesToZero(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ec *hooks.ExecutionContext)
	}{
		{"tool error", func(ec *hooks.ExecutionContext) { ec.Err = errors.New("upstream 500") }},
		{"cache hit", func(ec *hooks.ExecutionContext) {
			ec.SetMeta(hooks.MetaCacheHit, true)
			ec.Result = map[string]any{"content": "cached", "usage": map[string]any{"input_units": 40.0, "output_units": 10.0}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(Limits{Hourly: 1}, nil, WithClock(testutil.NewClock(t0).Now))
			reg := hooks.NewRegistry()
			require.NoError(t, l.Register(reg))

			ctx := context.Background()
			receipt, err := l.TrackDollarCost(ctx, 0.3, "generate", "writer")
			require.NoError(t, err)

			ec := hooks.NewExecutionContext(hooks.EventPostToolUse, "writer", "generate", map[string]any{"tier": llm.TierPowerful})
			ec.SetMeta(hooks.MetaCostReceipt, receipt)
			tt.setup(ec)
			_, _ = reg.Dispatch(ctx, ec)

			assert.InDelta(t, 0, l.Summary().Hour.Spent, 1e-12)
			assert.Zero(t, l.AgentUsage("writer").Total())
		})
	}
}

func TestRegister_ErrorWithReportedCostIsCharged(t *testing.T) {
	l := New(Limits{Hourly: 1}, nil, WithClock(testutil.NewClock(t0).Now))
	reg := hooks.NewRegistry()
	require.NoError(t, l.Register(reg))
	ctx := context.Background()
	receipt, err := l.TrackDollarCost(ctx, 0.3, "web_search", "scout")
	require.NoError(t, err)

	ec := hooks.NewExecutionContext(hooks.EventPostToolUse, "scout", "web_search", nil)
	ec.Err = errors.New("partial results")
	ec.SetMeta(hooks.MetaCostReceipt, receipt)
	ec.SetMeta(hooks.MetaActualCost, 0.05)
	_, _ = reg.Dispatch(ctx, ec)
	assert.InDelta(t, 0.05, l.Summary().Hour.Spent, 1e-12)
}
