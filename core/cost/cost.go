package cost

import (
	"fmt"
	"maps"
	"slices"

	"github.com/leofalp/chatcheckpoint/core/session"
)

// ModelCost represents the pricing structure for a language model.
// Costs are expressed in USD per million tokens.
//
// Example usage:
//
//	modelCost := cost.ModelCost{
//	    InputCostPerMillion:  0.15,
//	    OutputCostPerMillion: 0.60,
//	}
type ModelCost struct {
	// InputCostPerMillion is the cost in USD per 1 million input tokens
	InputCostPerMillion float64 `json:"input_cost_per_million"`

	// OutputCostPerMillion is the cost in USD per 1 million output tokens
	OutputCostPerMillion float64 `json:"output_cost_per_million"`
}

// CalculateInputCost calculates the cost for the given number of input tokens.
func (mc ModelCost) CalculateInputCost(tokens int) float64 {
	return float64(tokens) * mc.InputCostPerMillion / 1_000_000.0
}

// CalculateOutputCost calculates the cost for the given number of output tokens.
func (mc ModelCost) CalculateOutputCost(tokens int) float64 {
	return float64(tokens) * mc.OutputCostPerMillion / 1_000_000.0
}

// CalculateTotalCost calculates the total cost for an invocation.
func (mc ModelCost) CalculateTotalCost(inputTokens, outputTokens int) float64 {
	return mc.CalculateInputCost(inputTokens) + mc.CalculateOutputCost(outputTokens)
}

// Validate rejects negative rates.
func (mc ModelCost) Validate() error {
	if mc.InputCostPerMillion < 0 || mc.OutputCostPerMillion < 0 {
		return fmt.Errorf("cost: negative rate %s", mc)
	}
	return nil
}

// String returns a formatted string representation of the model costs.
func (mc ModelCost) String() string {
	return fmt.Sprintf("Input: $%.6f/M, Output: $%.6f/M",
		mc.InputCostPerMillion, mc.OutputCostPerMillion)
}

// RateTable maps model names to their pricing. It is treated as read-only
// once handed to a ledger.
type RateTable map[string]ModelCost

// DefaultRates returns the built-in table. The "scripted" entry prices the
// offline model at an explicit zero rate.
func DefaultRates() RateTable {
	return RateTable{
		"gpt-4o-mini":  {InputCostPerMillion: 0.15, OutputCostPerMillion: 0.60},
		"gpt-4o":       {InputCostPerMillion: 2.50, OutputCostPerMillion: 10.00},
		"gpt-4.1":      {InputCostPerMillion: 2.00, OutputCostPerMillion: 8.00},
		"gpt-4.1-mini": {InputCostPerMillion: 0.40, OutputCostPerMillion: 1.60},
		"scripted":     {},
	}
}

// Lookup returns the rate for model or an error wrapping [session.ErrUnknownModel].
func (rt RateTable) Lookup(model string) (ModelCost, error) {
	rate, ok := rt[model]
	if !ok {
		return ModelCost{}, fmt.Errorf("%w: %q has no rate entry", session.ErrUnknownModel, model)
	}
	return rate, nil
}

// Merge returns a new table holding rt overlaid with overrides.
func (rt RateTable) Merge(overrides RateTable) RateTable {
	merged := maps.Clone(rt)
	if merged == nil {
		merged = RateTable{}
	}
	maps.Copy(merged, overrides)
	return merged
}

// Validate checks every entry for negative rates.
func (rt RateTable) Validate() error {
	for _, model := range slices.Sorted(maps.Keys(rt)) {
		if err := rt[model].Validate(); err != nil {
			return fmt.Errorf("cost: model %q: %w", model, err)
		}
	}
	return nil
}
