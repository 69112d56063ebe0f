package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "deepthink.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/deepthink"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"

	// EnvAPIKey overrides the API key for every provider
	EnvAPIKey = "DEEPTHINK_API_KEY"
	// EnvModel overrides the default model
	EnvModel = "DEEPTHINK_MODEL"
	// EnvNATSURL overrides nats.url
	EnvNATSURL = "DEEPTHINK_NATS_URL"
)

// providerKeyEnv lists provider-specific key variables, consulted when no
// file or DEEPTHINK_API_KEY supplies a key.
var providerKeyEnv = map[string][]string{
	model.ProviderGoogle:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	model.ProviderOpenAI:    {"OPENAI_API_KEY"},
	model.ProviderDeepSeek:  {"DEEPSEEK_API_KEY"},
	model.ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	model.ProviderXAI:       {"XAI_API_KEY"},
	model.ProviderMistral:   {"MISTRAL_API_KEY"},
}

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	homeDir string
	workDir string
	getenv  func(string) string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir sets the directory user config is resolved against.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.homeDir = dir
	}
}

// WithWorkDir sets the directory the project config search starts from.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.workDir = dir
	}
}

// WithEnv replaces os.Getenv.
func WithEnv(getenv func(string) string) LoaderOption {
	return func(l *Loader) {
		l.getenv = getenv
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, getenv: os.Getenv}
	for _, opt := range opts {
		opt(l)
	}
	if l.homeDir == "" {
		l.homeDir, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/deepthink/config.yaml)
// 3. Project config (deepthink.yaml in current or parent directories)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	return l.load("")
}

// LoadFile is Load with an explicit project config path in place of the
// directory search.
func (l *Loader) LoadFile(path string) (*Config, error) {
	return l.load(path)
}

func (l *Loader) load(projectConfigPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.UserConfigPath(); userConfigPath != "" {
		if userConfig, err := loadOverlay(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !os.IsNotExist(err) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config. An explicit path must exist.
	explicit := projectConfigPath != ""
	if !explicit {
		projectConfigPath = l.FindProjectConfig()
	}
	if projectConfigPath != "" {
		projectConfig, err := loadOverlay(projectConfigPath)
		switch {
		case err == nil:
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		case explicit:
			return nil, err
		default:
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays environment variables. DEEPTHINK_API_KEY wins over any
// file; provider-specific variables only fill an empty key.
func (l *Loader) applyEnv(config *Config) {
	if v := l.getenv(EnvModel); v != "" {
		config.Model = v
	}
	if v := l.getenv(EnvNATSURL); v != "" {
		config.NATS.URL = v
	}

	if v := l.getenv(EnvAPIKey); v != "" {
		config.APIKey = llm.Secret(v)
		return
	}
	if config.APIKey != "" {
		return
	}

	provider := config.Provider
	if provider == "" {
		provider = model.InferProvider(config.Model)
	}
	for _, name := range providerKeyEnv[provider] {
		if v := l.getenv(name); v != "" {
			l.logger.Debug("Using API key from environment", slog.String("variable", name))
			config.APIKey = llm.Secret(v)
			return
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.UserConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// UserConfigPath returns the path to the user config file
func (l *Loader) UserConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
}

// FindProjectConfig searches for deepthink.yaml in the working directory and
// its parents
func (l *Loader) FindProjectConfig() string {
	if l.workDir == "" {
		return ""
	}

	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// Paths returns the config files that exist for this loader, in precedence
// order. The watcher uses it to decide what to watch.
func (l *Loader) Paths(explicit string) []string {
	var paths []string
	if p := l.UserConfigPath(); p != "" {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if explicit != "" {
		return append(paths, explicit)
	}
	if p := l.FindProjectConfig(); p != "" {
		paths = append(paths, p)
	}
	return paths
}
