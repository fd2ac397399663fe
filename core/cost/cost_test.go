package cost

import (
	"errors"
	"math"
	"testing"

	"github.com/leofalp/chatcheckpoint/core/session"
)

func TestModelCostCalculateInputCost(t *testing.T) {
	mc := ModelCost{
		InputCostPerMillion:  2.50,
		OutputCostPerMillion: 10.00,
	}

	// Test with 1 million tokens
	cost := mc.CalculateInputCost(1_000_000)
	if cost != 2.50 {
		t.Errorf("Expected cost %f, got %f", 2.50, cost)
	}

	// Test with 500k tokens
	cost = mc.CalculateInputCost(500_000)
	if cost != 1.25 {
		t.Errorf("Expected cost %f, got %f", 1.25, cost)
	}
}

func TestModelCostCalculateTotalCost(t *testing.T) {
	mc := ModelCost{InputCostPerMillion: 0.15, OutputCostPerMillion: 0.60}

	got := mc.CalculateTotalCost(1200, 350)
	want := 1200*0.15/1e6 + 350*0.60/1e6

	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected total cost %g, got %g", want, got)
	}
	if mc.CalculateTotalCost(0, 0) != 0 {
		t.Errorf("Expected zero cost for zero tokens")
	}
}

func TestModelCostString(t *testing.T) {
	mc := ModelCost{InputCostPerMillion: 0.15, OutputCostPerMillion: 0.60}
	expected := "Input: $0.150000/M, Output: $0.600000/M"

	if mc.String() != expected {
		t.Errorf("Expected %s, got %s", expected, mc.String())
	}
}

func TestRateTableLookup(t *testing.T) {
	rates := DefaultRates()

	rate, err := rates.Lookup("gpt-4o-mini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate.InputCostPerMillion != 0.15 || rate.OutputCostPerMillion != 0.60 {
		t.Errorf("unexpected gpt-4o-mini rate: %s", rate)
	}

	_, err = rates.Lookup("no-such-model")
	if !errors.Is(err, session.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestRateTableMergeDoesNotMutateBase(t *testing.T) {
	base := RateTable{"a": {InputCostPerMillion: 1, OutputCostPerMillion: 2}}
	merged := base.Merge(RateTable{
		"a": {InputCostPerMillion: 3, OutputCostPerMillion: 4},
		"b": {InputCostPerMillion: 5, OutputCostPerMillion: 6},
	})

	if base["a"].InputCostPerMillion != 1 {
		t.Errorf("base table was mutated: %v", base)
	}
	if merged["a"].InputCostPerMillion != 3 || len(merged) != 2 {
		t.Errorf("unexpected merged table: %v", merged)
	}
}

func TestRateTableValidate(t *testing.T) {
	if err := DefaultRates().Validate(); err != nil {
		t.Fatalf("default rates should be valid: %v", err)
	}

	bad := RateTable{"broken": {InputCostPerMillion: -1}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected negative rate to be rejected")
	}
}
