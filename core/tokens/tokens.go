// Package tokens provides pluggable token counting strategies used to meter
// model invocations when the model does not report exact usage itself.
package tokens

import (
	"unicode/utf8"

	"github.com/leofalp/chatcheckpoint/core/session"
)

// Usage is the token accounting of one model invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Counter estimates token counts for text and conversations.
type Counter interface {
	CountText(text string) int
	CountMessages(preamble string, messages []session.Message) int
}

// DefaultCharsPerToken is the characters-per-token ratio used by [Heuristic]
// when none is configured.
const DefaultCharsPerToken = 4

// Heuristic estimates tokens as the number of characters divided by
// CharsPerToken, rounded down. It is cheap and provider-agnostic but can be
// off by a wide margin for non-English text or code.
type Heuristic struct {
	CharsPerToken int
}

// Ensure Heuristic implements Counter at compile time.
var _ Counter = Heuristic{}

// CountText returns the estimated token count of text.
func (h Heuristic) CountText(text string) int {
	ratio := h.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	return utf8.RuneCountInString(text) / ratio
}

// CountMessages estimates the prompt size of preamble plus every message content.
func (h Heuristic) CountMessages(preamble string, messages []session.Message) int {
	total := h.CountText(preamble)
	for _, msg := range messages {
		total += h.CountText(msg.Content)
	}
	return total
}

// Resolve picks the usage to meter: reported wins when present, otherwise the
// counter estimates both sides from the prompt and the reply text.
func Resolve(reported *Usage, counter Counter, preamble string, prompt []session.Message, reply string) Usage {
	if reported != nil {
		return *reported
	}
	return Usage{
		InputTokens:  counter.CountMessages(preamble, prompt),
		OutputTokens: counter.CountText(reply),
	}
}
