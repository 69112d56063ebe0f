// Package config provides configuration loading and management for deepthink.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/c360studio/deepthink/deepthink"
	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
	"gopkg.in/yaml.v3"
)

// Config represents the complete deepthink configuration
type Config struct {
	// Model is the default model name (e.g., "gemini-3-flash-preview")
	Model string `yaml:"model"`
	// Provider forces the backend provider (empty = infer from model name)
	Provider string `yaml:"provider,omitempty"`
	// APIKey authenticates against the provider
	APIKey llm.Secret `yaml:"api_key,omitempty"`
	// BaseURL overrides the provider default endpoint
	BaseURL string `yaml:"base_url,omitempty"`

	PlanningEffort            string `yaml:"planning_effort"`
	ExpertEffort              string `yaml:"expert_effort"`
	SynthesisEffort           string `yaml:"synthesis_effort"`
	EnableRecursiveRefinement bool   `yaml:"enable_recursive_refinement"`
	MaxRounds                 int    `yaml:"max_rounds"`
	HistoryTurns              int    `yaml:"history_turns"`

	CustomModels []model.CustomModel `yaml:"custom_models,omitempty"`
	Retry        llm.RetryConfig     `yaml:"retry"`
	NATS         NATSConfig          `yaml:"nats"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Output       OutputConfig        `yaml:"output"`
	Prompts      PromptsConfig       `yaml:"prompts,omitempty"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// NATSConfig configures snapshot publishing
type NATSConfig struct {
	// URL is the NATS server URL (empty = publishing disabled)
	URL string `yaml:"url,omitempty"`
	// Subject is the subject prefix for run snapshots
	Subject string `yaml:"subject"`
	// IncludeThoughts publishes reasoning text along with outputs
	IncludeThoughts bool `yaml:"include_thoughts"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr,omitempty"`
}

// OutputConfig configures run transcripts
type OutputConfig struct {
	// Save writes a markdown transcript of every finished run
	Save bool `yaml:"save"`
	// Dir is the base directory for transcripts (empty = current directory)
	Dir string `yaml:"dir,omitempty"`
}

// PromptsConfig points at files that replace the built-in system prompts
type PromptsConfig struct {
	// Manager replaces the planning system prompt
	Manager string `yaml:"manager,omitempty"`
	// Review replaces the review system prompt
	Review string `yaml:"review,omitempty"`
}

var logLevels = []string{"debug", "info", "warn", "error"}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	run := deepthink.DefaultRunConfig()
	return &Config{
		Model:           model.FlashModel,
		PlanningEffort:  run.PlanningEffort.String(),
		ExpertEffort:    run.ExpertEffort.String(),
		SynthesisEffort: run.SynthesisEffort.String(),
		MaxRounds:       run.MaxRounds,
		HistoryTurns:    run.HistoryTurns,
		Retry:           llm.DefaultRetryConfig(),
		NATS: NATSConfig{
			Subject: "deepthink.run",
		},
		LogLevel: "info",
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider != "" && llm.GetProvider(c.Provider) == nil && !isKnownProvider(c.Provider) {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	for name, level := range map[string]string{
		"planning_effort":  c.PlanningEffort,
		"expert_effort":    c.ExpertEffort,
		"synthesis_effort": c.SynthesisEffort,
	} {
		if level != "" && model.ParseThinkingLevel(level) == "" {
			return fmt.Errorf("%s must be one of minimal, low, medium, high; got %q", name, level)
		}
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must be >= 0")
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("history_turns must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	for _, m := range c.CustomModels {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// isKnownProvider covers providers whose implementation is registered by an
// import the config package does not see.
func isKnownProvider(name string) bool {
	switch name {
	case model.ProviderGoogle, model.ProviderOpenAI, model.ProviderDeepSeek,
		model.ProviderAnthropic, model.ProviderXAI, model.ProviderMistral, model.ProviderCustom:
		return true
	}
	return false
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

// loadOverlay parses a file without defaults, so Merge sees only the fields
// it sets.
func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file. The file may hold an API
// key, so it is written owner-readable only.
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
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

	// Backend
	if other.Model != "" {
		c.Model = other.Model
	}
	if other.Provider != "" {
		c.Provider = other.Provider
	}
	if other.APIKey != "" {
		c.APIKey = other.APIKey
	}
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}

	// Run
	if other.PlanningEffort != "" {
		c.PlanningEffort = other.PlanningEffort
	}
	if other.ExpertEffort != "" {
		c.ExpertEffort = other.ExpertEffort
	}
	if other.SynthesisEffort != "" {
		c.SynthesisEffort = other.SynthesisEffort
	}
	if other.EnableRecursiveRefinement {
		c.EnableRecursiveRefinement = true
	}
	if other.MaxRounds != 0 {
		c.MaxRounds = other.MaxRounds
	}
	if other.HistoryTurns != 0 {
		c.HistoryTurns = other.HistoryTurns
	}

	// Custom models: entries with the same name are replaced
	for _, m := range other.CustomModels {
		i := slices.IndexFunc(c.CustomModels, func(existing model.CustomModel) bool {
			return existing.Name == m.Name
		})
		if i >= 0 {
			c.CustomModels[i] = m
		} else {
			c.CustomModels = append(c.CustomModels, m)
		}
	}

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = other.Retry.MaxBackoff
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}
	if other.NATS.IncludeThoughts {
		c.NATS.IncludeThoughts = true
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Output
	if other.Output.Save {
		c.Output.Save = true
	}
	if other.Output.Dir != "" {
		c.Output.Dir = other.Output.Dir
	}

	// Prompts
	if other.Prompts.Manager != "" {
		c.Prompts.Manager = other.Prompts.Manager
	}
	if other.Prompts.Review != "" {
		c.Prompts.Review = other.Prompts.Review
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// RunConfig converts the file settings into per-run settings.
func (c *Config) RunConfig() deepthink.RunConfig {
	return deepthink.RunConfig{
		PlanningEffort:            model.ThinkingLevel(c.PlanningEffort),
		ExpertEffort:              model.ThinkingLevel(c.ExpertEffort),
		SynthesisEffort:           model.ThinkingLevel(c.SynthesisEffort),
		EnableRecursiveRefinement: c.EnableRecursiveRefinement,
		MaxRounds:                 c.MaxRounds,
		HistoryTurns:              c.HistoryTurns,
		Provider:                  c.Provider,
		APIKey:                    c.APIKey,
		BaseURL:                   c.BaseURL,
	}
}

// Registry builds a model registry from the custom model table.
func (c *Config) Registry() (*model.Registry, error) {
	return model.NewRegistry(c.CustomModels...)
}

// SystemPrompts reads the prompt override files. Empty results keep the
// built-in prompts.
func (c *Config) SystemPrompts() (manager, review string, err error) {
	if manager, err = loadPrompt(c.Prompts.Manager); err != nil {
		return "", "", err
	}
	if review, err = loadPrompt(c.Prompts.Review); err != nil {
		return "", "", err
	}
	return manager, review, nil
}

func loadPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	return string(data), nil
}
