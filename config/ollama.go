package config

import (
	"os"
)

// LoadOllamaConfig loads Ollama configuration from server config.
// It returns the host plus the generative and embedding models.
func LoadOllamaConfig(cfg *ServerConfig) (host, model, embeddingModel string) {
	if cfg != nil {
		host = cfg.Ollama.Host
		model = cfg.Ollama.Model
		embeddingModel = cfg.Ollama.EmbeddingModel
	}

	// Apply environment variable overrides
	if envHost := getOllamaHostFromEnv(); envHost != "" {
		host = envHost
	}
	if envModel := getOllamaModelFromEnv(); envModel != "" {
		model = envModel
	}
	return host, model, embeddingModel
}

// getOllamaHostFromEnv gets the Ollama host from environment variable.
func getOllamaHostFromEnv() string {
	return os.Getenv("OLLAMA_HOST")
}

// getOllamaModelFromEnv gets the Ollama model from environment variable.
func getOllamaModelFromEnv() string {
	return os.Getenv("OLLAMA_MODEL")
}
