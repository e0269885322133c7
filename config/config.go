// Package config loads retentiond settings from YAML, merged onto defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig represents configuration for Anthropic LLM provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// OllamaConfig represents configuration for Ollama LLM and embedding provider.
type OllamaConfig struct {
	Host           string `yaml:"host,omitempty"`            // Ollama host (default: "http://localhost:11434")
	Model          string `yaml:"model,omitempty"`           // Generative model name
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
}

// OpenAIConfig represents configuration for OpenAI LLM and embedding provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`
	BaseURL        string `yaml:"base_url,omitempty"` // Custom base URL (default: official API)
	Model          string `yaml:"model,omitempty"`
	EmbeddingModel string `yaml:"embedding_model,omitempty"`
	Organization   string `yaml:"organization,omitempty"`
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	// Provider is auto, openai, ollama, generative or hash.
	Provider  string `yaml:"provider,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	// CacheSize is the number of cached vectors. Negative disables the cache.
	CacheSize int64 `yaml:"cache_size,omitempty"`
}

// GenerationConfig tunes calls to the generative backend.
type GenerationConfig struct {
	TimeoutSeconds    int     `yaml:"timeout_seconds,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Temperature       float64 `yaml:"temperature,omitempty"`
	MaxTokens         int64   `yaml:"max_tokens,omitempty"`
	MaxRetries        uint64  `yaml:"max_retries,omitempty"`
}

// Timeout is the per-call deadline.
func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// LimitsConfig caps how often an agent acts. Zero values disable a limit.
type LimitsConfig struct {
	MaxActionsPerDay              int `yaml:"max_actions_per_day,omitempty" json:"max_actions_per_day,omitempty"`
	MaxEmailsPerSubscriberPerWeek int `yaml:"max_emails_per_subscriber_per_week,omitempty" json:"max_emails_per_subscriber_per_week,omitempty"`
	// SendHourStart and SendHourEnd bound the local hours actions may be sent,
	// [start, end). Equal values allow every hour; start > end wraps midnight.
	SendHourStart int    `yaml:"send_hour_start,omitempty" json:"send_hour_start,omitempty"`
	SendHourEnd   int    `yaml:"send_hour_end,omitempty" json:"send_hour_end,omitempty"`
	WeekdaysOnly  bool   `yaml:"weekdays_only,omitempty" json:"weekdays_only,omitempty"`
	Timezone      string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// AgentConfig represents the configuration for a single retention agent.
type AgentConfig struct {
	UserID    string `yaml:"user_id" json:"user_id"`
	AgentType string `yaml:"agent_type" json:"agent_type"`
	Disabled  bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"` // default: false (agent is enabled by default)
	// Triggers restricts the handled event types. Empty means the agent type's defaults.
	Triggers         []string     `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	ConfidenceLevel  string       `yaml:"confidence_level,omitempty" json:"confidence_level,omitempty"`
	Limits           LimitsConfig `yaml:"limits,omitempty" json:"limits,omitempty"`
	StrategyTemplate string       `yaml:"strategy_template,omitempty" json:"strategy_template,omitempty"`
}

// BrandConfig is the voice used in generated communication.
type BrandConfig struct {
	CompanyName string `yaml:"company_name,omitempty"`
	Voice       string `yaml:"voice,omitempty"`
	Tone        string `yaml:"tone,omitempty"`
	SignOff     string `yaml:"sign_off,omitempty"`
}

// SweeperConfig schedules housekeeping.
type SweeperConfig struct {
	Schedule     string `yaml:"schedule,omitempty"`       // e.g. "15m", "@hourly", "0 */15 * * * *"
	ShortTermTTL string `yaml:"short_term_ttl,omitempty"` // e.g. "1h"
}

// NotificationsConfig controls operator notifications.
type NotificationsConfig struct {
	Desktop bool `yaml:"desktop,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// ServerConfig represents the full configuration of the retentiond daemon.
type ServerConfig struct {
	Database DatabaseConfig `yaml:"database,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`

	// LLM provider configurations, in priority order
	LLMProviders []string        `yaml:"llm_providers,omitempty"`
	Anthropic    AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama       OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI       OpenAIConfig    `yaml:"openai,omitempty"`

	Embedding  EmbeddingConfig  `yaml:"embedding,omitempty"`
	Generation GenerationConfig `yaml:"generation,omitempty"`

	Agents        map[string]*AgentConfig `yaml:"agents,omitempty"`
	Brand         BrandConfig             `yaml:"brand,omitempty"`
	Sweeper       SweeperConfig           `yaml:"sweeper,omitempty"`
	Notifications NotificationsConfig     `yaml:"notifications,omitempty"`
}

// DefaultConfidenceLevel is applied to agents that do not set one.
const DefaultConfidenceLevel = "auto_with_copy"

// Defaults returns the configuration used when no file overrides it.
func Defaults() ServerConfig {
	return ServerConfig{
		Database:     DatabaseConfig{Path: "~/.retentiond/retention.db"},
		LLMProviders: []string{"anthropic", "openai", "ollama"},
		Anthropic:    AnthropicConfig{Model: "claude-3-5-haiku-latest"},
		Ollama: OllamaConfig{
			Model:          "llama3.2:3b",
			EmbeddingModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Embedding: EmbeddingConfig{Provider: "auto", Dimension: 1536, CacheSize: 10000},
		Generation: GenerationConfig{
			TimeoutSeconds:    30,
			RequestsPerSecond: 2,
			Temperature:       0.7,
			MaxTokens:         1024,
			MaxRetries:        3,
		},
		Agents: make(map[string]*AgentConfig),
		Brand: BrandConfig{
			CompanyName: "Our team",
			Voice:       "helpful and human",
			Tone:        "friendly",
			SignOff:     "Thanks",
		},
		Sweeper: SweeperConfig{Schedule: "@hourly", ShortTermTTL: "1h"},
	}
}

// GetServerConfigPath returns the default config file path.
// Can be overridden via RETENTION_CONFIG_PATH environment variable.
func GetServerConfigPath() string {
	if envPath := os.Getenv("RETENTION_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.retentiond/config.yaml"
	}
	return filepath.Join(homeDir, ".retentiond", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ExpandPath is expandPath for callers outside the package, such as the
// database path.
func ExpandPath(path string) string { return expandPath(path) }

// SaveServerConfig saves the server configuration to the specified path.
func SaveServerConfig(cfg *ServerConfig, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadServerConfig loads the config file at path, if it exists, merged onto
// Defaults. RETENTION_DB_PATH overrides the database path; provider
// credentials are read from the environment by the Load*Config helpers.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg ServerConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}

		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Agents == nil {
		cfg.Agents = make(map[string]*AgentConfig)
	}
	for key, agentCfg := range cfg.Agents {
		if agentCfg == nil {
			delete(cfg.Agents, key)
			continue
		}
		if agentCfg.AgentType == "" {
			agentCfg.AgentType = key
		}
		if agentCfg.ConfidenceLevel == "" {
			agentCfg.ConfidenceLevel = DefaultConfidenceLevel
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work at runtime.
func (c *ServerConfig) Validate() error {
	switch c.Embedding.Provider {
	case "", "auto", "openai", "ollama", "generative", "hash":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Sweeper.ShortTermTTL != "" {
		if _, err := time.ParseDuration(c.Sweeper.ShortTermTTL); err != nil {
			return fmt.Errorf("invalid sweeper short_term_ttl: %w", err)
		}
	}
	for key, a := range c.Agents {
		if a.UserID == "" {
			return fmt.Errorf("agent %q: user_id is required", key)
		}
		l := a.Limits
		if l.SendHourStart < 0 || l.SendHourStart > 23 || l.SendHourEnd < 0 || l.SendHourEnd > 24 {
			return fmt.Errorf("agent %q: send hours must be within 0-24", key)
		}
		if l.Timezone != "" {
			if _, err := time.LoadLocation(l.Timezone); err != nil {
				return fmt.Errorf("agent %q: %w", key, err)
			}
		}
	}
	return nil
}

// ShortTermTTL parses the sweeper TTL, defaulting to one hour.
func (c *ServerConfig) ShortTermTTL() time.Duration {
	d, err := time.ParseDuration(c.Sweeper.ShortTermTTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

func applyEnv(cfg *ServerConfig) {
	if v := os.Getenv("RETENTION_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}
