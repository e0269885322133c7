// Package provider builds concrete llm.Client values from a resolved ClientKey.
package provider

import (
	"fmt"

	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/aschepis/backscratcher/retention/llm/anthropic"
	"github.com/aschepis/backscratcher/retention/llm/ollama"
	"github.com/aschepis/backscratcher/retention/llm/openai"
	"github.com/rs/zerolog"
)

// Options controls the middleware stack wrapped around the provider client.
type Options struct {
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	// MaxRetries for retryable provider errors. Zero uses llm.DefaultMaxRetries.
	MaxRetries uint64
}

// New constructs the client for key, wrapped with logging, throttling and retry.
func New(key *llm.ClientKey, opts Options, logger zerolog.Logger) (llm.Client, error) {
	if key == nil {
		return nil, fmt.Errorf("client key is required")
	}

	var base llm.Client
	switch key.Provider {
	case llm.ProviderAnthropic:
		c, err := anthropic.NewAnthropicClient(key.APIKey, key.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		base = c
	case llm.ProviderOpenAI:
		c, err := openai.NewOpenAIClient(key.APIKey, key.BaseURL, key.Model, key.Organization)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		base = c
	case llm.ProviderOllama:
		c, err := ollama.NewOllamaClient(key.Host, key.Model)
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		base = c
	default:
		return nil, fmt.Errorf("unknown provider: %s", key.Provider)
	}

	middleware := []llm.Middleware{llm.NewLoggingMiddleware(logger)}
	if opts.RequestsPerSecond > 0 {
		middleware = append([]llm.Middleware{llm.NewRateLimitMiddleware(opts.RequestsPerSecond, 1)}, middleware...)
	}

	logger.Info().
		Str("provider", key.Provider).
		Str("model", key.Model).
		Msg("generative client ready")

	return llm.WithRetry(llm.WrapWithMiddleware(base, middleware...), opts.MaxRetries, logger), nil
}
