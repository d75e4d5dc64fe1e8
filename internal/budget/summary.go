package budget

import (
	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/internal/toolkind"
)

// PeriodUsage is spend against one ceiling.
type PeriodUsage struct {
	Key         string  `json:"key"`
	Spent       float64 `json:"spent"`
	Limit       float64 `json:"limit"`
	Utilization float64 `json:"utilization"`
}

// Summary is a point-in-time view of the ledger.
type Summary struct {
	TotalCost   float64               `json:"total_cost"`
	Hour        PeriodUsage           `json:"hour"`
	Day         PeriodUsage           `json:"day"`
	Month       PeriodUsage           `json:"month"`
	ByTool      map[string]float64    `json:"by_tool"`
	ByAgent     map[string]float64    `json:"by_agent"`
	Tokens      map[string]TokenUsage `json:"tokens"`
	Global      TokenUsage            `json:"global_tokens"`
	Checkpoints []Trigger             `json:"triggered_checkpoints"`
	Splits      []Trigger             `json:"triggered_splits"`
}

// Summary returns a snapshot copy; later ledger updates do not affect it.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	hourKey, dayKey, monthKey := l.keys(l.now())
	s := Summary{
		TotalCost:   l.total,
		Hour:        period(hourKey, l.hourly[hourKey], l.limits.Hourly),
		Day:         period(dayKey, l.daily[dayKey], l.limits.Daily),
		Month:       period(monthKey, l.monthly[monthKey], l.limits.Monthly),
		ByTool:      copyFloats(l.byTool),
		ByAgent:     copyFloats(l.byAgent),
		Tokens:      make(map[string]TokenUsage, len(l.tokens)),
		Global:      l.global,
		Checkpoints: append([]Trigger(nil), l.checkpoints...),
		Splits:      append([]Trigger(nil), l.splits...),
	}
	for k, v := range l.tokens {
		s.Tokens[k] = *v
	}
	return s
}

func period(key string, spent, limit float64) PeriodUsage {
	p := PeriodUsage{Key: key, Spent: spent, Limit: limit}
	if limit > 0 {
		p.Utilization = spent / limit
	}
	return p
}

// Suggestion is a cost-saving alternative for a call.
type Suggestion struct {
	Kind          string  `json:"kind"` // "model" or "cache"
	Identifier    string  `json:"identifier,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	Savings       float64 `json:"savings,omitempty"`
	Description   string  `json:"description"`
}

// SuggestAlternatives offers strictly cheaper models for generation calls,
// priced with identical parameters, and caching for duplicate-prone tools.
func (l *Ledger) SuggestAlternatives(tool string, params map[string]any) []Suggestion {
	kind := toolkind.Classify(tool)
	var out []Suggestion
	if kind == toolkind.Generate {
		id := llm.Identifier(tool, params)
		in, outUnits := llm.EstimateUnits(params), llm.OutputUnits(params)
		for _, alt := range l.prices.CheaperThan(id, in, outUnits) {
			out = append(out, Suggestion{
				Kind:          "model",
				Identifier:    alt.Identifier,
				EstimatedCost: alt.EstimatedCost,
				Savings:       alt.Savings,
				Description:   "use " + alt.Identifier + " instead of " + id,
			})
		}
	}
	if kind.Idempotent() || kind == toolkind.Network || kind == toolkind.Generate {
		out = append(out, Suggestion{
			Kind:        "cache",
			Description: "cache results of " + tool + " for repeated identical calls",
		})
	}
	return out
}
