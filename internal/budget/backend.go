package budget

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/requestctx"
)

// GenerateResult pairs a backend response with the ledger's verdicts.
type GenerateResult struct {
	Response *llm.Response `json:"response"`
	Tokens   TokenReport   `json:"tokens"`
	Receipt  *Receipt      `json:"receipt"`
}

// BudgetedBackend wraps a Backend so every generation call is pre-authorized
// against the dollar ceilings, then accounted in tokens and reconciled to
// the actual cost.
type BudgetedBackend struct {
	next   llm.Backend
	ledger *Ledger
	path   string
}

// BackendOption configures a BudgetedBackend.
type BackendOption func(*BudgetedBackend)

// PersistTo saves the ledger to path after every call that committed spend.
func PersistTo(path string) BackendOption {
	return func(b *BudgetedBackend) { b.path = path }
}

// NewBudgetedBackend wraps next with ledger accounting.
func NewBudgetedBackend(next llm.Backend, ledger *Ledger, opts ...BackendOption) *BudgetedBackend {
	b := &BudgetedBackend{next: next, ledger: ledger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Generate satisfies llm.Backend; the agent is read from ctx.
func (b *BudgetedBackend) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	res, err := b.GenerateTracked(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// GenerateTracked runs one call and returns the response with its token
// report and cost receipt. A call whose estimate would exceed a dollar
// ceiling is refused before reaching the backend.
func (b *BudgetedBackend) GenerateTracked(ctx context.Context, req *llm.Request) (*GenerateResult, error) {
	if req == nil || req.Prompt == "" {
		return nil, llm.ErrEmptyPrompt
	}
	agent := requestctx.Agent(ctx)
	tier := req.Model
	if tier == "" {
		tier = llm.TierBalanced
	}
	ctx, span := tracer.Start(ctx, "budget.generate",
		trace.WithAttributes(
			attribute.String("agent", agent),
			wardenotel.GenAIRequestModel.String(tier),
			wardenotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()
	if b.path != "" {
		defer func() {
			if _, err := b.ledger.SaveIfChanged(b.path); err != nil {
				log.Error().Err(err).Str("path", b.path).Msg("ledger_save_failed")
			}
		}()
	}

	params := map[string]any{"prompt": req.Prompt, "system": req.System}
	estimate := b.ledger.prices.EstimateCost(tier, llm.EstimateUnits(params), req.MaxTokens)
	receipt, err := b.ledger.TrackDollarCost(ctx, estimate, "generate", agent)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, llm.TimeoutGenerate)
	defer cancel()
	resp, err := b.next.Generate(callCtx, req)
	if err != nil {
		// Nothing was spent; release the reservation.
		b.ledger.Reconcile(ctx, receipt, 0)
		span.RecordError(err)
		return nil, fmt.Errorf("generating with %s: %w", tier, err)
	}

	actual := resp.Cost
	if actual == 0 && !resp.Cached {
		actual = b.ledger.prices.EstimateCost(tier, resp.Usage.InputUnits, resp.Usage.OutputUnits)
	}
	b.ledger.Reconcile(ctx, receipt, actual)

	tokens, err := b.ledger.TrackTokenUsage(ctx, agent, resp.Usage.InputUnits, resp.Usage.OutputUnits, tier)
	if err != nil {
		return nil, err
	}
	llm.RecordCostMetrics(ctx, actual, agent, tier, resp.Cached)

	span.SetAttributes(
		wardenotel.GenAIUsageInputTokens.Int(resp.Usage.InputUnits),
		wardenotel.GenAIUsageOutputTokens.Int(resp.Usage.OutputUnits),
		attribute.String("budget.action", string(tokens.Action)),
	)
	return &GenerateResult{Response: resp, Tokens: tokens, Receipt: receipt}, nil
}
