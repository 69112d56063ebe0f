package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model != model.FlashModel {
		t.Errorf("expected default model %s, got %s", model.FlashModel, cfg.Model)
	}
	if cfg.PlanningEffort != "high" || cfg.ExpertEffort != "high" || cfg.SynthesisEffort != "high" {
		t.Errorf("expected high efforts, got %s/%s/%s", cfg.PlanningEffort, cfg.ExpertEffort, cfg.SynthesisEffort)
	}
	if cfg.MaxRounds != 3 {
		t.Errorf("expected max_rounds 3, got %d", cfg.MaxRounds)
	}
	if cfg.HistoryTurns != 5 {
		t.Errorf("expected history_turns 5, got %d", cfg.HistoryTurns)
	}
	if cfg.Retry != llm.DefaultRetryConfig() {
		t.Errorf("expected default retry config, got %+v", cfg.Retry)
	}
	if cfg.NATS.Subject != "deepthink.run" {
		t.Errorf("expected subject deepthink.run, got %s", cfg.NATS.Subject)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
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
			name:    "missing model",
			modify:  func(c *Config) { c.Model = "" },
			wantErr: true,
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.Provider = "acme" },
			wantErr: true,
		},
		{
			name:    "known provider",
			modify:  func(c *Config) { c.Provider = "deepseek" },
			wantErr: false,
		},
		{
			name:    "bad effort",
			modify:  func(c *Config) { c.ExpertEffort = "extreme" },
			wantErr: true,
		},
		{
			name:    "empty effort uses default",
			modify:  func(c *Config) { c.SynthesisEffort = "" },
			wantErr: false,
		},
		{
			name:    "negative rounds",
			modify:  func(c *Config) { c.MaxRounds = -1 },
			wantErr: true,
		},
		{
			name:    "negative history",
			modify:  func(c *Config) { c.HistoryTurns = -1 },
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "shrinking backoff",
			modify:  func(c *Config) { c.Retry.BackoffMultiplier = 0.5 },
			wantErr: true,
		},
		{
			name: "custom model without base url",
			modify: func(c *Config) {
				c.CustomModels = []model.CustomModel{{Name: "local", Provider: "custom"}}
			},
			wantErr: true,
		},
		{
			name:    "nats url without subject",
			modify:  func(c *Config) { c.NATS.URL = "nats://localhost:4222"; c.NATS.Subject = "" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
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
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
model: "deepseek-reasoner"
api_key: "sk-file-key"
planning_effort: low
enable_recursive_refinement: true
max_rounds: 4
custom_models:
  - id: "local-1"
    name: "llama-local"
    provider: "custom"
    base_url: "http://localhost:8080/v1"
retry:
  max_attempts: 5
  backoff_base: 500ms
nats:
  url: "nats://test:4222"
metrics:
  addr: ":9090"
log_level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Model != "deepseek-reasoner" {
		t.Errorf("expected model deepseek-reasoner, got %s", cfg.Model)
	}
	if cfg.APIKey.Reveal() != "sk-file-key" {
		t.Errorf("expected api key from file")
	}
	if cfg.PlanningEffort != "low" || cfg.ExpertEffort != "high" {
		t.Errorf("expected planning low and expert default high, got %s/%s", cfg.PlanningEffort, cfg.ExpertEffort)
	}
	if !cfg.EnableRecursiveRefinement || cfg.MaxRounds != 4 {
		t.Errorf("expected refinement with 4 rounds, got %v/%d", cfg.EnableRecursiveRefinement, cfg.MaxRounds)
	}
	if len(cfg.CustomModels) != 1 || cfg.CustomModels[0].BaseURL != "http://localhost:8080/v1" {
		t.Errorf("unexpected custom models: %+v", cfg.CustomModels)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BackoffBase != 500*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Retry.MaxBackoff != 30*time.Second {
		t.Errorf("expected unset retry fields to keep defaults, got %v", cfg.Retry.MaxBackoff)
	}
	if cfg.NATS.URL != "nats://test:4222" || cfg.NATS.Subject != "deepthink.run" {
		t.Errorf("unexpected nats config: %+v", cfg.NATS)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected metrics addr :9090, got %s", cfg.Metrics.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("model: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.CustomModels = []model.CustomModel{
		{Name: "a", Provider: "openai"},
		{Name: "b", Provider: "openai"},
	}
	override := &Config{
		Model:                     "gpt-4o",
		ExpertEffort:              "medium",
		EnableRecursiveRefinement: true,
		CustomModels: []model.CustomModel{
			{Name: "b", Provider: "deepseek"},
			{Name: "c", Provider: "mistral"},
		},
		Retry:  llm.RetryConfig{MaxAttempts: 7},
		Output: OutputConfig{Save: true, Dir: "/tmp/runs"},
	}

	base.Merge(override)

	if base.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", base.Model)
	}
	// Planning effort should remain from base since override didn't set it
	if base.PlanningEffort != "high" {
		t.Errorf("expected planning effort to remain default, got %s", base.PlanningEffort)
	}
	if base.ExpertEffort != "medium" {
		t.Errorf("expected expert effort medium, got %s", base.ExpertEffort)
	}
	if !base.EnableRecursiveRefinement {
		t.Error("expected refinement enabled")
	}
	if base.Retry.MaxAttempts != 7 || base.Retry.BackoffBase != 2*time.Second {
		t.Errorf("unexpected retry merge: %+v", base.Retry)
	}
	if !base.Output.Save || base.Output.Dir != "/tmp/runs" {
		t.Errorf("unexpected output merge: %+v", base.Output)
	}

	if len(base.CustomModels) != 3 {
		t.Fatalf("expected 3 custom models, got %d", len(base.CustomModels))
	}
	if base.CustomModels[1].Provider != "deepseek" {
		t.Errorf("expected b to be replaced, got %+v", base.CustomModels[1])
	}

	base.Merge(nil)
	if base.Model != "gpt-4o" {
		t.Error("merging nil must be a no-op")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Model = "saved-model"
	cfg.APIKey = "sk-saved"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected mode 0600, got %o", perm)
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.Model)
	}
	if loaded.APIKey.Reveal() != "sk-saved" {
		t.Error("expected api key to round-trip")
	}
}

func TestConfigRunConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpertEffort = "low"
	cfg.EnableRecursiveRefinement = true
	cfg.Provider = "openai"
	cfg.APIKey = "sk-run"
	cfg.BaseURL = "http://localhost:1234/v1"

	run := cfg.RunConfig()
	if err := run.Validate(); err != nil {
		t.Fatalf("RunConfig invalid: %v", err)
	}
	if run.ExpertEffort != model.LevelLow || run.PlanningEffort != model.LevelHigh {
		t.Errorf("unexpected efforts: %s/%s", run.PlanningEffort, run.ExpertEffort)
	}
	if !run.EnableRecursiveRefinement || run.MaxRounds != 3 || run.HistoryTurns != 5 {
		t.Errorf("unexpected run settings: %+v", run)
	}
	if run.Provider != "openai" || run.APIKey != "sk-run" || run.BaseURL != "http://localhost:1234/v1" {
		t.Errorf("unexpected backend settings: %+v", run)
	}
}

func TestConfigSystemPrompts(t *testing.T) {
	dir := t.TempDir()
	managerPath := filepath.Join(dir, "manager.txt")
	if err := os.WriteFile(managerPath, []byte("plan carefully"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Prompts.Manager = managerPath

	manager, review, err := cfg.SystemPrompts()
	if err != nil {
		t.Fatalf("SystemPrompts() error = %v", err)
	}
	if manager != "plan carefully" {
		t.Errorf("expected manager override, got %q", manager)
	}
	if review != "" {
		t.Errorf("expected empty review override, got %q", review)
	}

	cfg.Prompts.Review = filepath.Join(dir, "missing.txt")
	if _, _, err := cfg.SystemPrompts(); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestConfigRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomModels = []model.CustomModel{{Name: "llama-local", Provider: "custom", BaseURL: "http://localhost:8080/v1"}}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}
	ep := reg.Resolve("llama-local", model.Credentials{})
	if ep.Provider != "custom" || ep.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
}
