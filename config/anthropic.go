package config

import "os"

// LoadAnthropicConfig returns the API key and model for the Anthropic provider.
// ANTHROPIC_API_KEY and ANTHROPIC_MODEL override the file.
func LoadAnthropicConfig(cfg *ServerConfig) (apiKey, model string) {
	if cfg != nil {
		apiKey = cfg.Anthropic.APIKey
		model = cfg.Anthropic.Model
	}
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if envModel := os.Getenv("ANTHROPIC_MODEL"); envModel != "" {
		model = envModel
	}
	return apiKey, model
}
