package embedding

import (
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/rs/zerolog"
)

// Provider names accepted by Options.Provider.
const (
	ProviderAuto       = "auto"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderGenerative = "generative"
	ProviderHash       = "hash"
)

// Options configures provider selection.
type Options struct {
	// Provider forces a backend. Empty or "auto" picks the first usable one.
	Provider  string
	Dimension int
	// CacheSize is the number of vectors kept in memory. Negative disables caching.
	CacheSize int64

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OllamaHost    string
	OllamaModel   string
}

// Select picks one provider for the life of the process, in order
// openai, ollama, generative, hash. A failed call on the chosen provider
// returns its error; vectors from different providers never share a store.
func Select(opts Options, client llm.Client, logger zerolog.Logger) Provider {
	logger = logger.With().Str("component", "embedding").Logger()
	dim := opts.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}

	p := choose(opts, dim, client, logger)
	if opts.CacheSize >= 0 {
		cached, err := NewCached(p, opts.CacheSize)
		if err != nil {
			logger.Warn().Err(err).Msg("embedding cache disabled")
		} else {
			p = cached
		}
	}
	logger.Info().Str("provider", p.Name()).Int("dimension", dim).Msg("embedding provider selected")
	return p
}

func choose(opts Options, dim int, client llm.Client, logger zerolog.Logger) Provider {
	want := opts.Provider
	if want == "" {
		want = ProviderAuto
	}

	if want == ProviderAuto || want == ProviderOpenAI {
		if opts.OpenAIAPIKey != "" {
			p, err := NewOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIBaseURL, opts.OpenAIModel, dim)
			if err == nil {
				return p
			}
			logger.Warn().Err(err).Str("provider", ProviderOpenAI).Msg("embedding provider unavailable")
		}
	}
	if want == ProviderAuto || want == ProviderOllama {
		if opts.OllamaHost != "" || want == ProviderOllama {
			p, err := NewOllamaProvider(opts.OllamaHost, opts.OllamaModel, dim)
			if err == nil {
				return p
			}
			logger.Warn().Err(err).Str("provider", ProviderOllama).Msg("embedding provider unavailable")
		}
	}
	if (want == ProviderAuto || want == ProviderGenerative) && client != nil {
		return NewGenerativeProvider(client, "", dim)
	}
	if want != ProviderAuto && want != ProviderHash {
		logger.Warn().Str("requested", want).Str("fallback", ProviderHash).Msg("requested embedding provider not usable")
	}
	return NewHashProvider(dim)
}
