package openaicompat

import (
	"github.com/leofalp/chatcheckpoint/core/runner"
	"github.com/leofalp/chatcheckpoint/core/tokens"
	"github.com/leofalp/chatcheckpoint/internal/utils"
)

/*
	CHAT COMPLETIONS API - INPUT
*/

// chatCompletionRequest represents the /v1/chat/completions request format
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_completion_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

/*
	CHAT COMPLETIONS API - OUTPUT
*/

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"` // "stop", "length", "content_filter"
}

type chatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

/*
	CONVERSION FUNCTIONS
*/

// toChatCompletion converts a runner request; the system prompt goes first.
func (p *Provider) toChatCompletion(req runner.Request) chatCompletionRequest {
	out := chatCompletionRequest{
		Model:       p.model,
		Messages:    make([]chatMessage, 0, len(req.Messages)+1),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

// fromChatCompletion converts the first choice into a runner reply.
func fromChatCompletion(resp chatCompletionResponse) runner.Reply {
	choice := resp.Choices[0]

	reply := runner.Reply{
		Content: utils.Coalesce(choice.Message.Content, choice.Message.Refusal),
		Metadata: map[string]any{
			"finish_reason": choice.FinishReason,
		},
	}
	if resp.ID != "" {
		reply.Metadata["completion_id"] = resp.ID
	}
	if resp.Usage != nil {
		reply.Usage = utils.Ptr(tokens.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		})
	}
	return reply
}
