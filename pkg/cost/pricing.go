package cost

import "sync"

// ModelPricing holds per-1M-token rates in dollars for one model.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// defaultPricing is applied when a model is missing from the table.
var defaultPricing = ModelPricing{
	PromptPer1M:     3.00,
	CompletionPer1M: 15.00,
}

// PricingTable maps model identifiers to their token rates.
type PricingTable struct {
	mu     sync.RWMutex
	models map[string]ModelPricing
}

// NewPricingTable creates a table seeded with the given rates.
func NewPricingTable(models map[string]ModelPricing) *PricingTable {
	table := &PricingTable{models: make(map[string]ModelPricing, len(models))}
	for id, pricing := range models {
		table.models[id] = pricing
	}
	return table
}

// SetModel adds or replaces the rates for a model.
func (pt *PricingTable) SetModel(modelID string, pricing ModelPricing) {
	if pt == nil {
		return
	}
	pt.mu.Lock()
	pt.models[modelID] = pricing
	pt.mu.Unlock()
}

// Lookup returns the rates for a model and whether they were found.
// Unknown models fall back to the default rate.
func (pt *PricingTable) Lookup(modelID string) (ModelPricing, bool) {
	if pt == nil {
		return defaultPricing, false
	}
	pt.mu.RLock()
	pricing, ok := pt.models[modelID]
	pt.mu.RUnlock()
	if !ok {
		return defaultPricing, false
	}
	return pricing, true
}

// CostFromTokens converts token counts to dollars using the model's rates.
func (pt *PricingTable) CostFromTokens(modelID string, promptTokens, completionTokens int) (float64, bool) {
	pricing, known := pt.Lookup(modelID)
	cost := float64(promptTokens)/1_000_000*pricing.PromptPer1M +
		float64(completionTokens)/1_000_000*pricing.CompletionPer1M
	return cost, known
}
