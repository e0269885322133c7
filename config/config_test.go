package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RETENTION_DB_PATH", "")
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	want := Defaults()
	if cfg.Generation.TimeoutSeconds != want.Generation.TimeoutSeconds || cfg.Embedding.Provider != "auto" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if cfg.Agents == nil {
		t.Error("agents map must be initialized")
	}
}

func TestLoadServerConfig_MergesOntoDefaults(t *testing.T) {
	t.Setenv("RETENTION_DB_PATH", "")
	path := writeConfig(t, `
database:
  path: /tmp/retention-test.db
generation:
  timeout_seconds: 10
embedding:
  provider: hash
  dimension: 256
brand:
  company_name: Acme
agents:
  payment_recovery:
    user_id: user-1
    limits:
      max_actions_per_day: 50
      send_hour_start: 9
      send_hour_end: 17
      weekdays_only: true
  churn_prevention:
    user_id: user-1
    confidence_level: full_auto
    triggers: [usage_drop]
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Database.Path != "/tmp/retention-test.db" {
		t.Errorf("database path not overridden: %s", cfg.Database.Path)
	}
	if cfg.Generation.Timeout() != 10*time.Second {
		t.Errorf("unexpected timeout %v", cfg.Generation.Timeout())
	}
	if cfg.Generation.Temperature != Defaults().Generation.Temperature {
		t.Errorf("unset field lost its default: %v", cfg.Generation.Temperature)
	}
	if cfg.Brand.CompanyName != "Acme" || cfg.Brand.SignOff != Defaults().Brand.SignOff {
		t.Errorf("brand not merged: %+v", cfg.Brand)
	}

	pr := cfg.Agents["payment_recovery"]
	if pr == nil || pr.AgentType != "payment_recovery" || pr.ConfidenceLevel != DefaultConfidenceLevel {
		t.Fatalf("agent defaults not applied: %+v", pr)
	}
	if pr.Limits.MaxActionsPerDay != 50 || !pr.Limits.WeekdaysOnly || pr.Limits.SendHourEnd != 17 {
		t.Errorf("limits not parsed: %+v", pr.Limits)
	}
	cp := cfg.Agents["churn_prevention"]
	if cp.ConfidenceLevel != "full_auto" || len(cp.Triggers) != 1 {
		t.Errorf("unexpected churn agent %+v", cp)
	}

	opts := cfg.EmbeddingOptions()
	if opts.Provider != "hash" || opts.Dimension != 256 {
		t.Errorf("unexpected embedding options %+v", opts)
	}
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":     "agents: [",
		"missing user": "agents:\n  payment_recovery:\n    agent_type: payment_recovery\n",
		"bad provider": "embedding:\n  provider: magic\n",
		"bad hours":    "agents:\n  a:\n    user_id: u\n    limits:\n      send_hour_end: 30\n",
		"bad ttl":      "sweeper:\n  short_term_ttl: soon\n",
		"bad timezone": "agents:\n  a:\n    user_id: u\n    limits:\n      timezone: Mars/Olympus\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadServerConfig(writeConfig(t, body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestGetServerConfigPath_Env(t *testing.T) {
	t.Setenv("RETENTION_CONFIG_PATH", "/etc/retentiond.yaml")
	if got := GetServerConfigPath(); got != "/etc/retentiond.yaml" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RETENTION_DB_PATH", "/var/lib/retention.db")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ANTHROPIC_API_KEY", "ant-env")
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Database.Path != "/var/lib/retention.db" {
		t.Errorf("db path env not applied: %s", cfg.Database.Path)
	}
	pc := cfg.ProviderConfig()
	if pc.OpenAIAPIKey != "sk-env" || pc.AnthropicAPIKey != "ant-env" {
		t.Errorf("credential env not applied: %+v", pc)
	}
	if cfg.EmbeddingOptions().OpenAIAPIKey != "sk-env" {
		t.Error("embedding options must see the OpenAI key")
	}
}

func TestSaveServerConfigRoundTrip(t *testing.T) {
	t.Setenv("RETENTION_DB_PATH", "")
	cfg := Defaults()
	cfg.Agents["trial_conversion"] = &AgentConfig{UserID: "user-9", AgentType: "trial_conversion", ConfidenceLevel: "review_all"}
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveServerConfig(&cfg, path); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}
	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if loaded.Agents["trial_conversion"].ConfidenceLevel != "review_all" {
		t.Errorf("agent not persisted: %+v", loaded.Agents["trial_conversion"])
	}
}

func TestShortTermTTL(t *testing.T) {
	cfg := Defaults()
	if cfg.ShortTermTTL() != time.Hour {
		t.Errorf("unexpected default ttl %v", cfg.ShortTermTTL())
	}
	cfg.Sweeper.ShortTermTTL = "90s"
	if cfg.ShortTermTTL() != 90*time.Second {
		t.Errorf("unexpected ttl %v", cfg.ShortTermTTL())
	}
}
