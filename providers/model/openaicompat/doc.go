// Package openaicompat implements runner.Model over any endpoint that speaks
// the OpenAI Chat Completions wire format (OpenAI itself, Azure deployments,
// OpenRouter, vLLM, Ollama).
//
// The provider is built with [New] and configured with builder methods:
//
//	model := openaicompat.New("gpt-4o-mini").
//	    WithAPIKey(os.Getenv("OPENAI_API_KEY")).
//	    WithTemperature(0.2)
//
// When the response carries a usage block its token counts are reported to
// the runner; otherwise the runner falls back to its estimator.
package openaicompat
