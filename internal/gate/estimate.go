package gate

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/toolkind"
)

// defaultGenerateOutput is assumed when a generation call sets no max_tokens.
const defaultGenerateOutput = 1000

// Estimate is the pre-execution price of one call.
type Estimate struct {
	Identifier  string  `json:"identifier"`
	InputUnits  int     `json:"input_units"`
	OutputUnits int     `json:"output_units"`
	Cost        float64 `json:"cost"`
}

// Estimate prices a call from its parameter text. It never blocks; the
// ledger decides whether the cost fits the budget.
func (g *Gate) Estimate(tool string, params map[string]any) Estimate {
	e := Estimate{
		Identifier:  llm.Identifier(tool, params),
		InputUnits:  llm.EstimateUnits(params),
		OutputUnits: llm.OutputUnits(params),
	}
	if e.OutputUnits == 0 && toolkind.Classify(tool) == toolkind.Generate {
		e.OutputUnits = defaultGenerateOutput
	}
	e.Cost = g.prices.EstimateCost(e.Identifier, e.InputUnits, e.OutputUnits)
	return e
}

func (g *Gate) costHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	ctx, span := tracer.Start(ctx, "gate.estimate_cost",
		trace.WithAttributes(attribute.String("tool.name", ec.ToolName)))
	defer span.End()

	e := g.Estimate(ec.ToolName, ec.Parameters)
	ec.SetMeta(hooks.MetaEstimatedCost, e.Cost)
	ec.SetMeta(hooks.MetaEstimatedUnits, e.InputUnits+e.OutputUnits)
	span.SetAttributes(
		attribute.String("cost.identifier", e.Identifier),
		attribute.Float64("cost.estimated", e.Cost),
	)
	if g.highCost <= 0 || e.Cost <= g.highCost {
		return hooks.Continue()
	}

	ec.SetMeta(hooks.MetaHighCost, true)
	log.Warn().
		Str("hook", HookCost).
		Str("tool", ec.ToolName).
		Str("agent", ec.AgentName).
		Float64("estimated_cost", e.Cost).
		Float64("threshold", g.highCost).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("high_cost_operation")
	if g.ledger != nil {
		if alts := g.ledger.SuggestAlternatives(ec.ToolName, ec.Parameters); len(alts) > 0 {
			ec.SetMeta(MetaAlternatives, alts)
		}
	}
	return hooks.Continue()
}
