package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Price is a cost per 1K units for input and output.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Cost returns the cost of the given unit counts.
func (p Price) Cost(inUnits, outUnits int) float64 {
	return (float64(inUnits)/1000.0)*p.Input + (float64(outUnits)/1000.0)*p.Output
}

// Tier names.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierPowerful = "powerful"
)

// DefaultIdentifier prices anything not found in the table.
const DefaultIdentifier = "default"

// defaultPrices are per 1K units (approximate, Feb 2026). Tool identifiers
// price the textual payload of non-generation calls.
var defaultPrices = map[string]Price{
	"claude-opus-4-5-20251101":  {Input: 0.015, Output: 0.075},
	"claude-sonnet-4-20250514":  {Input: 0.003, Output: 0.015},
	"claude-haiku-3-5-20241022": {Input: 0.0008, Output: 0.004},
	"gpt-4o":                    {Input: 0.0025, Output: 0.01},
	"gpt-4o-mini":               {Input: 0.00015, Output: 0.0006},
	"gpt-4-turbo":               {Input: 0.01, Output: 0.03},
	"gpt-3.5-turbo":             {Input: 0.0005, Output: 0.0015},
	"web_search":                {Input: 0.005, Output: 0},
	"web_fetch":                 {Input: 0.001, Output: 0},
	DefaultIdentifier:           {Input: 0.0001, Output: 0},
}

var defaultTiers = map[string]string{
	TierFast:     "claude-haiku-3-5-20241022",
	TierBalanced: "claude-sonnet-4-20250514",
	TierPowerful: "claude-opus-4-5-20251101",
}

// Alternative is a strictly cheaper substitute for a generation call.
type Alternative struct {
	Identifier    string  `json:"identifier"`
	EstimatedCost float64 `json:"estimated_cost"`
	Savings       float64 `json:"savings"`
}

// PriceTable resolves identifiers and tiers to prices. It is safe for
// concurrent use; overrides may be applied while calls are being priced.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]Price
	tiers  map[string]string
}

// NewPriceTable returns the built-in table with overrides applied on top.
func NewPriceTable(overrides map[string]Price) *PriceTable {
	t := &PriceTable{
		prices: make(map[string]Price, len(defaultPrices)+len(overrides)),
		tiers:  make(map[string]string, len(defaultTiers)),
	}
	for k, v := range defaultPrices {
		t.prices[k] = v
	}
	for k, v := range defaultTiers {
		t.tiers[k] = v
	}
	for k, v := range overrides {
		t.prices[k] = v
	}
	return t
}

// Set adds or replaces an identifier's price.
func (t *PriceTable) Set(identifier string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[identifier] = p
}

// SetTier maps a tier name to a model identifier.
func (t *PriceTable) SetTier(tier, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiers[tier] = model
}

// Lookup returns the price for identifier and whether it was found. Tier
// names resolve through their model. Unknown identifiers get the default price.
func (t *PriceTable) Lookup(identifier string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if model, ok := t.tiers[identifier]; ok {
		identifier = model
	}
	if p, ok := t.prices[identifier]; ok {
		return p, true
	}
	return t.prices[DefaultIdentifier], false
}

// ResolveTier returns the model bound to tier.
func (t *PriceTable) ResolveTier(tier string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	model, ok := t.tiers[tier]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return model, nil
}

// TierPrice returns the (input, output) rates for a tier.
func (t *PriceTable) TierPrice(tier string) (Price, error) {
	model, err := t.ResolveTier(tier)
	if err != nil {
		return Price{}, err
	}
	p, _ := t.Lookup(model)
	return p, nil
}

// EstimateCost prices a call to identifier.
func (t *PriceTable) EstimateCost(identifier string, inUnits, outUnits int) float64 {
	p, _ := t.Lookup(identifier)
	return p.Cost(inUnits, outUnits)
}

// CheaperThan lists generation models strictly cheaper than identifier for the
// same unit counts, cheapest first. Entries without an output rate price tools
// and are never offered as substitutes.
func (t *PriceTable) CheaperThan(identifier string, inUnits, outUnits int) []Alternative {
	current := t.EstimateCost(identifier, inUnits, outUnits)

	t.mu.RLock()
	if model, ok := t.tiers[identifier]; ok {
		identifier = model
	}
	var out []Alternative
	for id, p := range t.prices {
		if id == identifier || id == DefaultIdentifier || p.Output == 0 {
			continue
		}
		if cost := p.Cost(inUnits, outUnits); cost < current {
			out = append(out, Alternative{Identifier: id, EstimatedCost: cost, Savings: current - cost})
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EstimatedCost != out[j].EstimatedCost {
			return out[i].EstimatedCost < out[j].EstimatedCost
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}
