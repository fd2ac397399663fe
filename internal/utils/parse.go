package utils

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// ParseLenientJSON unmarshals content into T. When strict decoding fails the
// input is passed through jsonrepair (single quotes, unquoted keys, trailing
// commas, missing brackets) and decoded again. This lets hand-written
// configuration values such as rate tables in environment variables tolerate
// common typos.
//
// Example usage:
//
//	rates, err := ParseLenientJSON[map[string]Rate](`{gpt-4o: {input: 2.5, output: 10,}}`)
func ParseLenientJSON[T any](content string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(content), &result)
	if err == nil {
		return result, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(content)
	if repairErr != nil {
		return result, fmt.Errorf("failed to unmarshal content as %T and failed to repair JSON: unmarshal error: %w, repair error: %v", result, err, repairErr)
	}

	var retry T
	if err := json.Unmarshal([]byte(repaired), &retry); err != nil {
		return result, fmt.Errorf("failed to unmarshal repaired JSON as %T: %w (repaired: %s)", result, err, Preview(repaired, maxPreviewRunes))
	}
	return retry, nil
}
