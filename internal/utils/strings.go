package utils

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// PreviewEllipsis marks a preview that was cut short.
const PreviewEllipsis = "…"

// maxPreviewRunes bounds response bodies quoted in errors.
const maxPreviewRunes = 500

// JSONString renders v as JSON, indented by two spaces when indent is set.
// A value that cannot be encoded renders as a JSON object carrying the error,
// so CLI output stays machine-readable.
func JSONString(v any, indent bool) string {
	var (
		encoded []byte
		err     error
	)
	if indent {
		encoded, err = json.MarshalIndent(v, "", "  ")
	} else {
		encoded, err = json.Marshal(v)
	}
	if err != nil {
		fallback, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(fallback)
	}
	return string(encoded)
}

// Preview flattens s onto one line and cuts it to at most maxRunes runes,
// ending with [PreviewEllipsis] when something was dropped. A non-positive
// maxRunes only flattens.
func Preview(s string, maxRunes int) string {
	flat := strings.Join(strings.Fields(s), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(flat) <= maxRunes {
		return flat
	}
	runes := []rune(flat)
	return strings.TrimRight(string(runes[:maxRunes]), " ") + PreviewEllipsis
}
