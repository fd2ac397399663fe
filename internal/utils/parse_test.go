package utils

import (
	"testing"
)

type rate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

func TestParseLenientJSON_Valid(t *testing.T) {
	got, err := ParseLenientJSON[map[string]rate](`{"gpt-4o":{"input":2.5,"output":10}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["gpt-4o"] != (rate{Input: 2.5, Output: 10}) {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestParseLenientJSON_Repaired(t *testing.T) {
	cases := map[string]string{
		"single quotes":   `{'gpt-4o': {'input': 2.5, 'output': 10}}`,
		"unquoted keys":   `{"gpt-4o": {input: 2.5, output: 10}}`,
		"trailing commas": `{"gpt-4o": {"input": 2.5, "output": 10,},}`,
		"missing bracket": `{"gpt-4o": {"input": 2.5, "output": 10}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseLenientJSON[map[string]rate](input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got["gpt-4o"].Output != 10 {
				t.Errorf("unexpected result: %+v", got)
			}
		})
	}
}

func TestParseLenientJSON_TypeMismatch(t *testing.T) {
	if _, err := ParseLenientJSON[map[string]rate](`["not", "a", "map"]`); err == nil {
		t.Fatal("expected error for array input")
	}
}
