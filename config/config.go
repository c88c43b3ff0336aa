// Package config provides configuration loading and management for issuepilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/issuepilot/issuepilot/jobs"
	"github.com/issuepilot/issuepilot/llm"
	"github.com/issuepilot/issuepilot/webcontext"
)

// Config represents the complete issuepilot configuration
type Config struct {
	Server  ServerConfig       `yaml:"server"`
	NATS    NATSConfig         `yaml:"nats"`
	Jobs    JobsConfig         `yaml:"jobs"`
	Webhook WebhookConfig      `yaml:"webhook"`
	Planner llm.Config         `yaml:"planner"`
	Enrich  webcontext.Options `yaml:"enrich"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// JobsConfig configures the background job engine
type JobsConfig struct {
	// MaxConcurrency is the worker pool size (1-64)
	MaxConcurrency int `yaml:"max_concurrency"`
	// MaxQueueSize is the bounded queue capacity
	MaxQueueSize int `yaml:"max_queue_size"`
	// Retry is the process-wide retry policy
	Retry jobs.RetryPolicy `yaml:"retry"`
}

// WebhookConfig configures webhook ingress
type WebhookConfig struct {
	// Secret is the HMAC signing secret (empty disables validation).
	// Never written to config files; set via ISSUEPILOT_WEBHOOK_SECRET.
	Secret string `yaml:"-"`
	// ActivationLabel is the issue label that triggers a task
	ActivationLabel string `yaml:"activation_label"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Jobs: JobsConfig{
			MaxConcurrency: 4,
			MaxQueueSize:   256,
			Retry:          jobs.DefaultRetryPolicy(),
		},
		Webhook: WebhookConfig{
			ActivationLabel: "issuepilot",
		},
		Planner: llm.DefaultConfig(),
		Enrich:  webcontext.DefaultOptions(),
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Jobs.MaxConcurrency < 1 || c.Jobs.MaxConcurrency > 64 {
		return fmt.Errorf("jobs.max_concurrency must be between 1 and 64")
	}
	if c.Jobs.MaxQueueSize < 1 {
		return fmt.Errorf("jobs.max_queue_size must be positive")
	}
	if err := c.Jobs.Retry.Validate(); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	if c.Webhook.ActivationLabel == "" {
		return fmt.Errorf("webhook.activation_label is required")
	}
	if c.Planner.Endpoint == "" {
		return fmt.Errorf("planner.endpoint is required")
	}
	if c.Planner.Model == "" {
		return fmt.Errorf("planner.model is required")
	}
	if c.Planner.Temperature < 0 || c.Planner.Temperature > 1 {
		return fmt.Errorf("planner.temperature must be between 0 and 1")
	}
	if c.Enrich.MaxLinks < 0 {
		return fmt.Errorf("enrich.max_links must be non-negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file. Secrets are never written.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Jobs
	if other.Jobs.MaxConcurrency != 0 {
		c.Jobs.MaxConcurrency = other.Jobs.MaxConcurrency
	}
	if other.Jobs.MaxQueueSize != 0 {
		c.Jobs.MaxQueueSize = other.Jobs.MaxQueueSize
	}
	if other.Jobs.Retry.Strategy != "" {
		c.Jobs.Retry = other.Jobs.Retry
	}

	// Webhook
	if other.Webhook.Secret != "" {
		c.Webhook.Secret = other.Webhook.Secret
	}
	if other.Webhook.ActivationLabel != "" {
		c.Webhook.ActivationLabel = other.Webhook.ActivationLabel
	}

	// Planner
	if other.Planner.Endpoint != "" {
		c.Planner.Endpoint = other.Planner.Endpoint
	}
	if other.Planner.Model != "" {
		c.Planner.Model = other.Planner.Model
	}
	if other.Planner.Temperature != 0 {
		c.Planner.Temperature = other.Planner.Temperature
	}
	if other.Planner.Timeout != 0 {
		c.Planner.Timeout = other.Planner.Timeout
	}
	if other.Planner.APIKey != "" {
		c.Planner.APIKey = other.Planner.APIKey
	}

	// Enrich
	if other.Enrich.MaxLinks != 0 {
		c.Enrich = other.Enrich
	}
}

// ApplyEnv overlays environment variable overrides. Secrets are only
// accepted from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ISSUEPILOT_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("ISSUEPILOT_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v := os.Getenv("ISSUEPILOT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ISSUEPILOT_LLM_API_KEY"); v != "" {
		c.Planner.APIKey = v
	}
}
