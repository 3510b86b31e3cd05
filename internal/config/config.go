// Package config defines and loads the Skald configuration.
package config

import (
	"fmt"
	"os"
)

// Config represents the main Skald configuration
type Config struct {
	// Provider
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Agents
	Agents AgentsConfig `json:"agents" mapstructure:"agents"`

	// Pricing
	Pricing PricingConfig `json:"pricing" mapstructure:"pricing"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path for file tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// ProviderConfig holds model gateway configuration
type ProviderConfig struct {
	Name   string `json:"name" mapstructure:"name"` // openai, anthropic
	APIKey string `json:"api_key" mapstructure:"api_key"`
	Model  string `json:"model" mapstructure:"model"`
}

// AgentsConfig holds per-specialist run limits and sampling settings
type AgentsConfig struct {
	ResearcherMaxSteps int     `json:"researcher_max_steps" mapstructure:"researcher_max_steps"`
	AnalystMaxSteps    int     `json:"analyst_max_steps" mapstructure:"analyst_max_steps"`
	WriterMaxSteps     int     `json:"writer_max_steps" mapstructure:"writer_max_steps"`
	Temperature        float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens          int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// PricingConfig holds the token pricing table settings
type PricingConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:  "openai",
			Model: "gpt-4o-mini",
		},
		Agents: AgentsConfig{
			ResearcherMaxSteps: 15,
			AnalystMaxSteps:    20,
			WriterMaxSteps:     4,
			Temperature:        0.2,
			MaxTokens:          4096,
		},
		Pricing: PricingConfig{
			Watch: false,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9091",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "skald",
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported provider: %q", c.Provider.Name)
	}

	if c.Provider.Model == "" {
		return fmt.Errorf("provider model must be set")
	}
	if c.APIKey() == "" {
		return fmt.Errorf("API key must be set for provider %s", c.Provider.Name)
	}

	if c.Agents.ResearcherMaxSteps <= 0 || c.Agents.AnalystMaxSteps <= 0 || c.Agents.WriterMaxSteps <= 0 {
		return fmt.Errorf("agent max steps must be positive")
	}
	if c.Agents.Temperature < 0 || c.Agents.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	return nil
}

// APIKey returns the configured API key, falling back to the provider's
// conventional environment variable.
func (c *Config) APIKey() string {
	if c.Provider.APIKey != "" {
		return c.Provider.APIKey
	}
	switch c.Provider.Name {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}
