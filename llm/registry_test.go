package llm

import (
	"testing"
)

func TestProviderRegistry_IsProviderEnabled(t *testing.T) {
	registry := NewProviderRegistry(&ProviderConfig{}, []string{"anthropic", "ollama"})

	if !registry.IsProviderEnabled("anthropic") {
		t.Error("anthropic should be enabled")
	}
	if !registry.IsProviderEnabled("ollama") {
		t.Error("ollama should be enabled")
	}
	if registry.IsProviderEnabled("openai") {
		t.Error("openai should not be enabled")
	}
}

func TestProviderRegistry_IsProviderConfigured(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	registry := NewProviderRegistry(&ProviderConfig{}, []string{"anthropic"})
	if registry.IsProviderConfigured("anthropic") {
		t.Error("anthropic should not be configured without API key")
	}

	registry2 := NewProviderRegistry(&ProviderConfig{AnthropicAPIKey: "test-key"}, []string{"anthropic"})
	if !registry2.IsProviderConfigured("anthropic") {
		t.Error("anthropic should be configured with API key")
	}

	registry3 := NewProviderRegistry(&ProviderConfig{}, []string{"ollama"})
	if !registry3.IsProviderConfigured("ollama") {
		t.Error("ollama should always be configured")
	}

	registry4 := NewProviderRegistry(&ProviderConfig{}, []string{"openai"})
	if registry4.IsProviderConfigured("openai") {
		t.Error("openai should not be configured without API key")
	}

	registry5 := NewProviderRegistry(&ProviderConfig{OpenAIAPIKey: "test-key"}, []string{"openai"})
	if !registry5.IsProviderConfigured("openai") {
		t.Error("openai should be configured with API key")
	}
}

func TestProviderRegistry_Resolve_WithPreferences(t *testing.T) {
	registry := NewProviderRegistry(&ProviderConfig{AnthropicAPIKey: "test-key", OllamaModel: "mistral:20b"}, []string{"anthropic", "ollama"})

	key, err := registry.Resolve([]Preference{
		{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
		{Provider: ProviderOllama, Model: "mistral:20b"},
	})
	if err != nil {
		t.Fatalf("Failed to resolve config: %v", err)
	}
	if key.Provider != ProviderAnthropic {
		t.Errorf("Expected provider 'anthropic', got '%s'", key.Provider)
	}
	if key.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Expected model 'claude-sonnet-4-20250514', got '%s'", key.Model)
	}
}

func TestProviderRegistry_Resolve_EnabledOrder(t *testing.T) {
	registry := NewProviderRegistry(&ProviderConfig{AnthropicAPIKey: "test-key", OllamaModel: "mistral:20b"}, []string{ProviderOllama, ProviderAnthropic})

	key, err := registry.Resolve(nil)
	if err != nil {
		t.Fatalf("Failed to resolve config: %v", err)
	}
	if key.Provider != ProviderOllama {
		t.Errorf("Expected first enabled provider 'ollama', got '%s'", key.Provider)
	}
	if key.Host == "" {
		t.Errorf("Expected a default ollama host, got empty")
	}
}

func TestProviderRegistry_Resolve_Fallback(t *testing.T) {
	registry := NewProviderRegistry(&ProviderConfig{AnthropicAPIKey: "test-key", OllamaModel: "mistral:20b"}, []string{"anthropic"})

	key, err := registry.Resolve([]Preference{
		{Provider: "ollama", Model: "mistral:20b"},
		{Provider: "anthropic"},
	})
	if err != nil {
		t.Fatalf("Failed to resolve config: %v", err)
	}
	if key.Provider != "anthropic" {
		t.Errorf("Expected provider 'anthropic' (fallback), got '%s'", key.Provider)
	}
	if key.Model != "claude-haiku-4-5" {
		t.Errorf("Expected default anthropic model, got '%s'", key.Model)
	}
}

func TestProviderRegistry_Resolve_NoAvailableProvider(t *testing.T) {
	registry := NewProviderRegistry(&ProviderConfig{}, []string{})

	if _, err := registry.Resolve(nil); err == nil {
		t.Error("Expected error when no providers are enabled")
	}
}
