package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceTable_EstimateCost(t *testing.T) {
	pt := NewPriceTable(nil)

	assert.InDelta(t, 0.003+0.015, pt.EstimateCost("claude-sonnet-4-20250514", 1000, 1000), 1e-9)
	// Tier names resolve through their model.
	assert.InDelta(t, pt.EstimateCost("claude-sonnet-4-20250514", 500, 200), pt.EstimateCost(TierBalanced, 500, 200), 1e-12)

	p, found := pt.Lookup("no-such-model")
	assert.False(t, found)
	assert.Equal(t, defaultPrices[DefaultIdentifier], p)
}

func TestPriceTable_Overrides(t *testing.T) {
	pt := NewPriceTable(map[string]Price{"in-house": {Input: 0.1, Output: 0.2}})
	p, found := pt.Lookup("in-house")
	require.True(t, found)
	assert.Equal(t, 0.2, p.Output)

	pt.SetTier(TierFast, "in-house")
	tp, err := pt.TierPrice(TierFast)
	require.NoError(t, err)
	assert.Equal(t, p, tp)

	_, err = pt.TierPrice("turbo")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestPriceTable_CheaperThan(t *testing.T) {
	pt := NewPriceTable(nil)
	alts := pt.CheaperThan("claude-opus-4-5-20251101", 2000, 1000)
	require.NotEmpty(t, alts)

	current := pt.EstimateCost("claude-opus-4-5-20251101", 2000, 1000)
	for i, a := range alts {
		assert.Less(t, a.EstimatedCost, current)
		assert.InDelta(t, current-a.EstimatedCost, a.Savings, 1e-12)
		assert.NotEqual(t, "web_search", a.Identifier)
		if i > 0 {
			assert.LessOrEqual(t, alts[i-1].EstimatedCost, a.EstimatedCost)
		}
	}

	// The cheapest model has nothing cheaper.
	assert.Empty(t, pt.CheaperThan("gpt-4o-mini", 2000, 1000))
}

func TestEstimateUnits(t *testing.T) {
	assert.Equal(t, UnitOverhead, EstimateUnits(nil))
	params := map[string]any{
		"prompt": "abcdefghijklmnop", // 16 chars
		"nested": map[string]any{"x": "abcd"},
		"list":   []any{"abcd", "abcd"},
	}
	assert.Equal(t, 28/CharsPerUnit+UnitOverhead, EstimateUnits(params))

	assert.Equal(t, "gpt-4o", Identifier("generate", map[string]any{"model": "gpt-4o"}))
	assert.Equal(t, "web_search", Identifier("web_search", nil))
	assert.Equal(t, TierFast, Identifier("generate", map[string]any{"tier": TierFast}))
	assert.Equal(t, 512, OutputUnits(map[string]any{"max_tokens": 512}))
	assert.Equal(t, 0, OutputUnits(nil))
}
