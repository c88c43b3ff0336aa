package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/issuepilot/issuepilot/jobs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Jobs.MaxConcurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Jobs.MaxConcurrency)
	}
	if cfg.Jobs.Retry.Strategy != jobs.StrategyExponential {
		t.Errorf("expected exponential retry, got %s", cfg.Jobs.Retry.Strategy)
	}
	if cfg.Webhook.ActivationLabel != "issuepilot" {
		t.Errorf("expected activation label issuepilot, got %s", cfg.Webhook.ActivationLabel)
	}
	if cfg.Planner.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected default planner endpoint, got %s", cfg.Planner.Endpoint)
	}
	if cfg.Planner.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Planner.Temperature)
	}
	if !cfg.Enrich.Enabled || cfg.Enrich.MaxLinks != 3 {
		t.Errorf("unexpected enrich defaults: %+v", cfg.Enrich)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
		},
		{
			name:    "concurrency too low",
			modify:  func(c *Config) { c.Jobs.MaxConcurrency = 0 },
			wantErr: true,
		},
		{
			name:    "concurrency too high",
			modify:  func(c *Config) { c.Jobs.MaxConcurrency = 65 },
			wantErr: true,
		},
		{
			name:    "zero queue size",
			modify:  func(c *Config) { c.Jobs.MaxQueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "unknown retry strategy",
			modify:  func(c *Config) { c.Jobs.Retry.Strategy = "fibonacci" },
			wantErr: true,
		},
		{
			name:    "disabled retry skips strategy check",
			modify:  func(c *Config) { c.Jobs.Retry.Enabled = false; c.Jobs.Retry.Strategy = "fibonacci" },
			wantErr: false,
		},
		{
			name:    "missing activation label",
			modify:  func(c *Config) { c.Webhook.ActivationLabel = "" },
			wantErr: true,
		},
		{
			name:    "missing planner endpoint",
			modify:  func(c *Config) { c.Planner.Endpoint = "" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Planner.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Planner.Temperature = 1.1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  addr: ":9090"
nats:
  url: "nats://test:4222"
jobs:
  max_concurrency: 8
  retry:
    enabled: true
    max_retries: 5
    strategy: linear
    base_delay: 2s
    max_delay: 1m
webhook:
  activation_label: "automate"
planner:
  endpoint: "http://test:1234/v1"
  model: "test-model"
  temperature: 0.5
  timeout: 10m
enrich:
  enabled: true
  max_links: 5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Jobs.MaxConcurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Jobs.MaxConcurrency)
	}
	if cfg.Jobs.Retry.MaxRetries != 5 || cfg.Jobs.Retry.Strategy != jobs.StrategyLinear {
		t.Errorf("unexpected retry policy: %+v", cfg.Jobs.Retry)
	}
	if cfg.Jobs.Retry.BaseDelay != 2*time.Second {
		t.Errorf("expected base delay 2s, got %v", cfg.Jobs.Retry.BaseDelay)
	}
	if cfg.Webhook.ActivationLabel != "automate" {
		t.Errorf("expected label automate, got %s", cfg.Webhook.ActivationLabel)
	}
	if cfg.Planner.Model != "test-model" || cfg.Planner.Timeout != 10*time.Minute {
		t.Errorf("unexpected planner config: %+v", cfg.Planner)
	}
	if cfg.Enrich.MaxLinks != 5 {
		t.Errorf("expected 5 max links, got %d", cfg.Enrich.MaxLinks)
	}
	// Defaults survive for fields the file omits.
	if cfg.Jobs.MaxQueueSize != 256 {
		t.Errorf("expected default queue size, got %d", cfg.Jobs.MaxQueueSize)
	}
}

func TestLoadFromFileMissingIsNotExist(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	// The loader treats a missing user config as normal and only warns on
	// other failures, so the wrap must preserve os.ErrNotExist.
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist through the wrap, got %v", err)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{}
	override.Server.Addr = ":7070"
	override.Webhook.ActivationLabel = "automate"

	base.Merge(override)

	if base.Server.Addr != ":7070" {
		t.Errorf("expected addr :7070, got %s", base.Server.Addr)
	}
	if base.Webhook.ActivationLabel != "automate" {
		t.Errorf("expected label automate, got %s", base.Webhook.ActivationLabel)
	}
	// Planner endpoint should remain from base since override didn't set it
	if base.Planner.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Planner.Endpoint)
	}
	// Merging a URL flips off the embedded server.
	base.Merge(&Config{NATS: NATSConfig{URL: "nats://other:4222"}})
	if base.NATS.Embedded {
		t.Error("expected embedded disabled after URL merge")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ISSUEPILOT_WEBHOOK_SECRET", "s3cret")
	t.Setenv("ISSUEPILOT_NATS_URL", "nats://env:4222")
	t.Setenv("ISSUEPILOT_ADDR", ":6060")
	t.Setenv("ISSUEPILOT_LLM_API_KEY", "key-123")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Webhook.Secret != "s3cret" {
		t.Errorf("secret not applied: %q", cfg.Webhook.Secret)
	}
	if cfg.NATS.URL != "nats://env:4222" || cfg.NATS.Embedded {
		t.Errorf("NATS env not applied: %+v", cfg.NATS)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("addr not applied: %s", cfg.Server.Addr)
	}
	if cfg.Planner.APIKey != "key-123" {
		t.Errorf("api key not applied: %q", cfg.Planner.APIKey)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Webhook.Secret = "never-on-disk"
	cfg.Planner.APIKey = "never-on-disk"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty config file")
	}
	// Secrets carry yaml:"-" and must not round trip through files.
	if strings.Contains(string(data), "never-on-disk") {
		t.Error("secret leaked into config file")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Webhook.Secret != "" || loaded.Planner.APIKey != "" {
		t.Errorf("secrets must not load from files: %+v", loaded.Webhook)
	}
}
