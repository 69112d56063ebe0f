package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/deepthink/config"
	"github.com/c360studio/deepthink/deepthink"
	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
	"github.com/c360studio/deepthink/workflow"
)

const chatPrompt = "deepthink> "

func chatCmd(flags *globalFlags) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive multi-turn session",
		Long: `Start an interactive session. Each line is answered by a full deep think
run; earlier questions and answers are sent as conversation history.

Ctrl-C cancels the run in progress. Ctrl-D, quit or exit leaves.
Edits to the config files apply to the next question.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := newAppFromFlags(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer app.Shutdown(5 * time.Second)

			if !noWatch {
				if err := startConfigWatcher(ctx, cmd, flags, app); err != nil {
					app.logger.Warn("Config hot reload disabled", "error", err)
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case sig := <-sigCh:
						// Interrupt cancels the live run; otherwise it leaves.
						if sig == syscall.SIGINT && app.Cancel() {
							continue
						}
						cancel()
						return
					}
				}
			}()

			s := newChatSession(app, cmd.InOrStdin(), cmd.OutOrStdout())
			return s.run(ctx)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload config files on change")
	return cmd
}

// startConfigWatcher reloads config files in the background and hands valid
// results, with flag overrides reapplied, to the app.
func startConfigWatcher(ctx context.Context, cmd *cobra.Command, flags *globalFlags, app *App) error {
	loader := config.NewLoader(app.logger)
	w, err := config.NewWatcher(loader, flags.configPath,
		config.WithWatcherLogger(app.logger),
		config.WithOnChange(func(cfg *config.Config) {
			applyFlags(cmd, flags, cfg)
			if err := cfg.Validate(); err != nil {
				app.logger.Warn("Ignoring config change", "error", err)
				return
			}
			app.UpdateConfig(cfg)
			app.logger.Info("Config reloaded", "model", cfg.Model)
		}))
	if err != nil {
		return err
	}
	go w.Run(ctx)
	return nil
}

// chatSession is one interactive conversation.
type chatSession struct {
	app *App
	in  io.Reader
	out io.Writer

	history []workflow.Message
	pending []llm.Attachment
}

func newChatSession(app *App, in io.Reader, out io.Writer) *chatSession {
	return &chatSession{app: app, in: in, out: out}
}

// run reads lines until EOF, quit, or ctx is cancelled.
func (s *chatSession) run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprintln(s.out, "Type a question, /help for commands, quit to leave.")
	for {
		fmt.Fprint(s.out, chatPrompt)

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				// EOF (Ctrl+D)
				fmt.Fprintln(s.out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			return nil
		}
		if strings.HasPrefix(input, "/") {
			s.handleCommand(input)
			continue
		}

		s.ask(ctx, input)
	}
}

func (s *chatSession) ask(ctx context.Context, query string) {
	atts := s.pending
	s.pending = nil

	final, err := s.app.Ask(ctx, deepthink.RunRequest{
		Query:       query,
		Attachments: atts,
		History:     s.history,
	})
	if err != nil && !llm.IsCanceled(err) {
		fmt.Fprintf(s.app.errOut, "Error: %v\n", err)
	}
	if final.Phase != workflow.PhaseCompleted {
		return
	}

	s.history = append(s.history,
		workflow.Message{Role: workflow.RoleUser, Content: query, Attachments: atts},
		workflow.Message{Role: workflow.RoleModel, Content: final.FinalOutput},
	)
	fmt.Fprintln(s.out)
}

func (s *chatSession) handleCommand(input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	out := s.out
	cfg := s.app.Config()

	switch parts[0] {
	case "/help":
		fmt.Fprintln(out, "Available commands:")
		fmt.Fprintln(out, "  /help            - Show this help")
		fmt.Fprintln(out, "  /status          - Show current status")
		fmt.Fprintln(out, "  /config          - Show current configuration")
		fmt.Fprintln(out, "  /models          - List available models")
		fmt.Fprintln(out, "  /attach <file>   - Attach a file to the next question")
		fmt.Fprintln(out, "  /history         - Show conversation history")
		fmt.Fprintln(out, "  /clear           - Forget history and pending attachments")
		fmt.Fprintln(out, "  quit/exit        - Leave")

	case "/status":
		fmt.Fprintf(out, "Model: %s (provider %s)\n", cfg.Model, providerFor(cfg))
		fmt.Fprintf(out, "Effort: planning=%s experts=%s synthesis=%s\n",
			cfg.PlanningEffort, cfg.ExpertEffort, cfg.SynthesisEffort)
		if cfg.EnableRecursiveRefinement {
			fmt.Fprintf(out, "Refinement: on (max %d rounds)\n", cfg.RunConfig().MaxRounds)
		} else {
			fmt.Fprintln(out, "Refinement: off")
		}
		fmt.Fprintf(out, "History: %d turns\n", len(s.history))
		if len(s.pending) > 0 {
			fmt.Fprintf(out, "Pending attachments: %d\n", len(s.pending))
		}
		if s.app.natsConn != nil {
			fmt.Fprintf(out, "NATS: %s (%s)\n", s.app.natsConn.ConnectedUrl(), s.app.natsConn.Status())
		}
		if s.app.metricsAddr != "" {
			fmt.Fprintf(out, "Metrics: http://%s/metrics\n", s.app.metricsAddr)
		}
		if last := s.app.orch.Snapshot(); last.RunID != "" {
			fmt.Fprintf(out, "Last run: %s (%s)\n", last.RunID, last.Phase)
		}

	case "/config":
		shown := *cfg
		shown.APIKey = llm.Secret(cfg.APIKey.String())
		data, err := yaml.Marshal(&shown)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return
		}
		fmt.Fprint(out, string(data))

	case "/models":
		for _, m := range model.BuiltinModels {
			fmt.Fprintf(out, "  %-28s %s\n", m.Name, m.Description)
		}
		for _, m := range s.app.registry.List() {
			fmt.Fprintf(out, "  %-28s %s via %s\n", m.Name, m.Label(), m.Provider)
		}

	case "/attach":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Usage: /attach <file> [file...]")
			return
		}
		atts, err := loadAttachments(parts[1:])
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return
		}
		s.pending = append(s.pending, atts...)
		for _, a := range atts {
			fmt.Fprintf(out, "Attached %s (%s)\n", a.Name, a.MIMEType)
		}

	case "/history":
		if len(s.history) == 0 {
			fmt.Fprintln(out, "No history.")
			return
		}
		for _, m := range s.history {
			fmt.Fprintf(out, "[%s] %s\n", m.Role, truncate(oneLine(m.Content), 100))
		}

	case "/clear":
		s.history = nil
		s.pending = nil
		fmt.Fprintln(out, "History cleared.")

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
		fmt.Fprintln(out, "Type /help for available commands.")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
