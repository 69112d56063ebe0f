// Package main provides the deepthink binary entry point.
// Deepthink answers a question by planning a panel of expert prompts,
// running them concurrently, optionally refining over review rounds, and
// synthesizing one final answer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/deepthink/llm/providers"

	"github.com/c360studio/deepthink/config"
	"github.com/c360studio/deepthink/deepthink"
	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "deepthink"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand that runs the orchestrator.
type globalFlags struct {
	configPath string
	logLevel   string

	model           string
	provider        string
	baseURL         string
	planningEffort  string
	expertEffort    string
	synthesisEffort string
	recursive       bool
	maxRounds       int
	natsURL         string
	metricsAddr     string
	save            bool
	outputDir       string
	showThoughts    bool
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent deep reasoning",
		Long: `Deepthink answers a question with a panel of model-generated experts.

A planning call designs the panel, every expert streams its answer
concurrently, an optional review loop adds refinement rounds, and a final
synthesis call integrates all expert outputs into one answer.

Configuration is read from ~/.config/deepthink/config.yaml and the nearest
deepthink.yaml, then DEEPTHINK_API_KEY or a provider key variable
(GEMINI_API_KEY, OPENAI_API_KEY, ...). Flags override both.`,
		SilenceUsage: true,
	}

	bindGlobalFlags(cmd, flags)

	cmd.AddCommand(runCmd(flags))
	cmd.AddCommand(chatCmd(flags))
	cmd.AddCommand(modelsCmd(flags))
	cmd.AddCommand(initCmd())

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// bindGlobalFlags registers the shared flags as persistent flags on cmd.
func bindGlobalFlags(cmd *cobra.Command, flags *globalFlags) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML), replaces the deepthink.yaml search")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVarP(&flags.model, "model", "m", "", "Model name")
	pf.StringVar(&flags.provider, "provider", "", "Backend provider (google, openai, deepseek, anthropic, xai, mistral, custom)")
	pf.StringVar(&flags.baseURL, "base-url", "", "Override the provider endpoint")
	pf.StringVar(&flags.planningEffort, "planning-effort", "", "Thinking level for planning and review (minimal, low, medium, high)")
	pf.StringVar(&flags.expertEffort, "expert-effort", "", "Thinking level for experts")
	pf.StringVar(&flags.synthesisEffort, "synthesis-effort", "", "Thinking level for synthesis")
	pf.BoolVarP(&flags.recursive, "recursive", "r", false, "Enable the review/refine loop")
	pf.IntVar(&flags.maxRounds, "max-rounds", 0, "Maximum expert rounds with --recursive")
	pf.StringVar(&flags.natsURL, "nats-url", "", "Publish run snapshots to this NATS server")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.BoolVar(&flags.save, "save", false, "Write a markdown transcript of each run")
	pf.StringVar(&flags.outputDir, "output-dir", "", "Base directory for transcripts")
	pf.BoolVar(&flags.showThoughts, "show-thoughts", false, "Print reasoning as it streams")
}

func runCmd(flags *globalFlags) *cobra.Command {
	var attachments []string

	cmd := &cobra.Command{
		Use:   "run [question]",
		Short: "Answer one question",
		Long: `Answer one question and exit. The question is taken from the arguments,
or from stdin when no arguments are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if query == "" {
				data, err := readAllStdin(cmd)
				if err != nil {
					return err
				}
				query = data
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := newAppFromFlags(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer app.Shutdown(5 * time.Second)

			atts, err := loadAttachments(attachments)
			if err != nil {
				return err
			}

			_, err = app.Ask(ctx, deepthink.RunRequest{Query: query, Attachments: atts})
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&attachments, "attach", "a", nil, "Attach a file (image, PDF, audio, video, text); repeatable")
	return cmd
}

func modelsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List built-in and configured models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Built-in models:")
			for _, m := range model.BuiltinModels {
				fmt.Fprintf(out, "  %-28s %s (levels: %s)\n", m.Name, m.Description, joinLevels(model.ValidLevels(m.Name)))
			}

			if len(cfg.CustomModels) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Custom models:")
				for _, m := range cfg.CustomModels {
					fmt.Fprintf(out, "  %-28s %s via %s\n", m.Name, m.Label(), m.Provider)
				}
			}

			fmt.Fprintln(out)
			fmt.Fprintf(out, "Default: %s (provider %s)\n", cfg.Model, providerFor(cfg))
			fmt.Fprintf(out, "Registered providers: %s\n", strings.Join(llm.ListProviders(), ", "))
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the user config file with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(slog.Default())
			if err := loader.EnsureUserConfig(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config: %s\n", loader.UserConfigPath())
			return nil
		},
	}
}

// loadConfig loads the layered config and applies flag overrides.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	loader := config.NewLoader(slog.Default())

	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = loader.LoadFile(flags.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlags(cmd, flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags over the loaded config.
func applyFlags(cmd *cobra.Command, flags *globalFlags, cfg *config.Config) {
	set := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if set("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if set("model") {
		cfg.Model = flags.model
	}
	if set("provider") {
		cfg.Provider = flags.provider
	}
	if set("base-url") {
		cfg.BaseURL = flags.baseURL
	}
	if set("planning-effort") {
		cfg.PlanningEffort = flags.planningEffort
	}
	if set("expert-effort") {
		cfg.ExpertEffort = flags.expertEffort
	}
	if set("synthesis-effort") {
		cfg.SynthesisEffort = flags.synthesisEffort
	}
	if set("recursive") {
		cfg.EnableRecursiveRefinement = flags.recursive
	}
	if set("max-rounds") {
		cfg.MaxRounds = flags.maxRounds
	}
	if set("nats-url") {
		cfg.NATS.URL = flags.natsURL
	}
	if set("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if set("save") {
		cfg.Output.Save = flags.save
	}
	if set("output-dir") {
		cfg.Output.Dir = flags.outputDir
	}
}

// newLogger builds the stderr text logger for a level name.
func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newAppFromFlags loads config, configures logging and starts the app.
func newAppFromFlags(ctx context.Context, cmd *cobra.Command, flags *globalFlags) (*App, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	app, err := NewApp(cfg,
		WithAppLogger(logger),
		WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		WithThoughts(flags.showThoughts))
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown(time.Second)
		return nil, err
	}
	return app, nil
}

func providerFor(cfg *config.Config) string {
	if cfg.Provider != "" {
		return cfg.Provider
	}
	for _, m := range cfg.CustomModels {
		if m.Name == cfg.Model {
			return m.Provider
		}
	}
	return model.InferProvider(cfg.Model)
}

func joinLevels(levels []model.ThinkingLevel) string {
	names := make([]string, len(levels))
	for i, l := range levels {
		names[i] = l.String()
	}
	return strings.Join(names, ", ")
}
