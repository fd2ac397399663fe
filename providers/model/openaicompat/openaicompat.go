package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/leofalp/chatcheckpoint/core/runner"
	"github.com/leofalp/chatcheckpoint/internal/utils"
	"github.com/leofalp/chatcheckpoint/providers/observability"
)

const (
	defaultBaseURL          = "https://api.openai.com/v1"
	chatCompletionsEndpoint = "/chat/completions"
)

// Provider calls a Chat Completions endpoint.
type Provider struct {
	model       string
	apiKey      string
	baseURL     string
	client      *http.Client
	temperature *float64
	maxTokens   *int
	headers     []utils.HeaderOption
}

// Ensure Provider implements runner.Model
var _ runner.Model = (*Provider)(nil)

// New creates a provider for model. The API key and base URL default to the
// OPENAI_API_KEY and OPENAI_BASE_URL environment variables.
func New(model string) *Provider {
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		model:   model,
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// WithAPIKey sets the bearer token.
func (p *Provider) WithAPIKey(apiKey string) *Provider {
	p.apiKey = apiKey
	return p
}

// WithBaseURL sets the base URL for the API
func (p *Provider) WithBaseURL(baseURL string) *Provider {
	if baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	return p
}

// WithHTTPClient sets a custom HTTP client
func (p *Provider) WithHTTPClient(client *http.Client) *Provider {
	p.client = client
	return p
}

// WithTemperature sets the sampling temperature.
func (p *Provider) WithTemperature(temperature float64) *Provider {
	p.temperature = utils.Ptr(temperature)
	return p
}

// WithMaxTokens caps the completion length.
func (p *Provider) WithMaxTokens(n int) *Provider {
	p.maxTokens = utils.Ptr(n)
	return p
}

// WithHeader adds a header to every request, e.g. OpenRouter's HTTP-Referer.
func (p *Provider) WithHeader(key, value string) *Provider {
	p.headers = append(p.headers, utils.HeaderOption{Key: key, Value: value})
	return p
}

// Name implements runner.Model.
func (p *Provider) Name() string { return p.model }

// Generate implements runner.Model.
func (p *Provider) Generate(ctx context.Context, req runner.Request) (runner.Reply, error) {
	if p.apiKey == "" {
		return runner.Reply{}, errors.New("openaicompat: API key is not set")
	}

	if observer := observability.ObserverFromContext(ctx); observer != nil {
		observer.Debug(ctx, "sending chat completion",
			observability.ModelName(p.model),
			observability.Int(observability.AttrMessagesCount, len(req.Messages)),
		)
	}

	httpResponse, resp, err := utils.DoPostSync[chatCompletionResponse](ctx, p.client, p.baseURL+chatCompletionsEndpoint, p.apiKey, p.toChatCompletion(req), p.headers...)
	if err != nil {
		return runner.Reply{}, fmt.Errorf("openaicompat: %w", err)
	}
	if resp == nil {
		return runner.Reply{}, fmt.Errorf("openaicompat: empty response: %s", httpResponse.Status)
	}
	if len(resp.Choices) == 0 {
		return runner.Reply{}, errors.New("openaicompat: no choices in response")
	}

	reply := fromChatCompletion(*resp)
	if span := observability.SpanFromContext(ctx); span != nil && reply.Usage != nil {
		span.SetAttributes(
			observability.Int(observability.AttrTokensInput, reply.Usage.InputTokens),
			observability.Int(observability.AttrTokensOutput, reply.Usage.OutputTokens),
		)
	}
	return reply, nil
}
