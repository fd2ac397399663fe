package runner

import (
	"context"

	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/core/tokens"
)

// Request is the prompt handed to a [Model]: the system preamble plus every
// message of the session so far, ending with the new user message.
type Request struct {
	SystemPrompt string
	Messages     []session.Message
}

// Reply is the model's answer. Usage is nil when the model does not report
// token counts; the runner then estimates them.
type Reply struct {
	Content  string
	Metadata map[string]any
	Usage    *tokens.Usage
}

// Model is the external language-model collaborator. Implementations must
// honour ctx cancellation.
type Model interface {
	// Name is the rate-table key used to price invocations.
	Name() string
	Generate(ctx context.Context, req Request) (Reply, error)
}
