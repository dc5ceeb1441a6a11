// Package config provides configuration loading and management for QAForge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qaforge/qaforge/analysis"
	"github.com/qaforge/qaforge/collector"
	"github.com/qaforge/qaforge/llm"
)

// Config represents the complete QAForge configuration
type Config struct {
	Provider  ProviderConfig   `yaml:"provider"`
	Rates     analysis.Rates   `yaml:"rates"`
	Limits    analysis.Limits  `yaml:"limits"`
	Collector collector.Config `yaml:"collector"`
	Server    ServerConfig     `yaml:"server"`
	NATS      NATSConfig       `yaml:"nats"`
}

// ProviderConfig configures the generation backend
type ProviderConfig struct {
	// Kind selects the wire format ("claude" or "local-model")
	Kind string `yaml:"kind"`
	// BaseURL overrides the provider default endpoint
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates against the backend
	APIKey string `yaml:"api_key"`
	// Model is the default model identifier
	Model string `yaml:"model"`
	// CallTimeout is the hard per-call deadline
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:8422)
	Addr string `yaml:"addr"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// Endpoint converts the provider configuration into an llm.Endpoint.
func (p ProviderConfig) Endpoint() llm.Endpoint {
	return llm.Endpoint{
		Provider: p.Kind,
		BaseURL:  p.BaseURL,
		APIKey:   p.APIKey,
		Model:    p.Model,
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Kind:        llm.ProviderLocalModel,
			BaseURL:     "",
			Model:       "qwen2.5-coder:32b",
			CallTimeout: 2 * time.Minute,
		},
		Rates: analysis.Rates{
			InputPerMTok:  0,
			OutputPerMTok: 0,
		},
		Limits:    analysis.DefaultLimits(),
		Collector: collector.DefaultConfig(),
		Server: ServerConfig{
			Addr: "127.0.0.1:8422",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider.Kind == "" {
		return fmt.Errorf("provider.kind is required")
	}
	if llm.GetProvider(c.Provider.Kind) == nil {
		return fmt.Errorf("unknown provider.kind: %q (known: %v)", c.Provider.Kind, llm.ListProviders())
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if c.Provider.Kind == llm.ProviderClaude && c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required for the claude provider")
	}
	if c.Rates.InputPerMTok < 0 || c.Rates.OutputPerMTok < 0 {
		return fmt.Errorf("rates must not be negative")
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Provider
	if other.Provider.Kind != "" {
		c.Provider.Kind = other.Provider.Kind
	}
	if other.Provider.BaseURL != "" {
		c.Provider.BaseURL = other.Provider.BaseURL
	}
	if other.Provider.APIKey != "" {
		c.Provider.APIKey = other.Provider.APIKey
	}
	if other.Provider.Model != "" {
		c.Provider.Model = other.Provider.Model
	}
	if other.Provider.CallTimeout != 0 {
		c.Provider.CallTimeout = other.Provider.CallTimeout
	}

	// Rates
	if other.Rates.InputPerMTok != 0 {
		c.Rates.InputPerMTok = other.Rates.InputPerMTok
	}
	if other.Rates.OutputPerMTok != 0 {
		c.Rates.OutputPerMTok = other.Rates.OutputPerMTok
	}

	// Limits
	if other.Limits.SinglePassLimit != 0 {
		c.Limits.SinglePassLimit = other.Limits.SinglePassLimit
	}
	if other.Limits.MaxBatchBytes != 0 {
		c.Limits.MaxBatchBytes = other.Limits.MaxBatchBytes
	}
	if other.Limits.MaxBatchFiles != 0 {
		c.Limits.MaxBatchFiles = other.Limits.MaxBatchFiles
	}

	// Collector
	if len(other.Collector.Include) > 0 {
		c.Collector.Include = other.Collector.Include
	}
	if len(other.Collector.Exclude) > 0 {
		c.Collector.Exclude = other.Collector.Exclude
	}
	if len(other.Collector.ExcludeDirs) > 0 {
		c.Collector.ExcludeDirs = other.Collector.ExcludeDirs
	}
	if other.Collector.MaxFileSize != 0 {
		c.Collector.MaxFileSize = other.Collector.MaxFileSize
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
}
