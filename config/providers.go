package config

import (
	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/aschepis/backscratcher/retention/llm/provider"
)

// ProviderConfig collects the generative provider credentials for llm.ProviderRegistry.
func (c *ServerConfig) ProviderConfig() *llm.ProviderConfig {
	anthropicKey, anthropicModel := LoadAnthropicConfig(c)
	ollamaHost, ollamaModel, _ := LoadOllamaConfig(c)
	openaiKey, openaiBase, openaiModel, openaiOrg := LoadOpenAIConfig(c)
	return &llm.ProviderConfig{
		AnthropicAPIKey: anthropicKey,
		AnthropicModel:  anthropicModel,
		OllamaHost:      ollamaHost,
		OllamaModel:     ollamaModel,
		OpenAIAPIKey:    openaiKey,
		OpenAIBaseURL:   openaiBase,
		OpenAIModel:     openaiModel,
		OpenAIOrg:       openaiOrg,
	}
}

// ProviderOptions is the middleware configuration for generative clients.
func (c *ServerConfig) ProviderOptions() provider.Options {
	return provider.Options{
		RequestsPerSecond: c.Generation.RequestsPerSecond,
		MaxRetries:        c.Generation.MaxRetries,
	}
}

// EmbeddingOptions maps the embedding section onto embedding.Select options.
func (c *ServerConfig) EmbeddingOptions() embedding.Options {
	openaiKey, openaiBase, _, _ := LoadOpenAIConfig(c)
	ollamaHost, _, ollamaEmbedModel := LoadOllamaConfig(c)
	return embedding.Options{
		Provider:      c.Embedding.Provider,
		Dimension:     c.Embedding.Dimension,
		CacheSize:     c.Embedding.CacheSize,
		OpenAIAPIKey:  openaiKey,
		OpenAIBaseURL: openaiBase,
		OpenAIModel:   c.OpenAI.EmbeddingModel,
		OllamaHost:    ollamaHost,
		OllamaModel:   ollamaEmbedModel,
	}
}
