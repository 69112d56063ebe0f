package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/deepthink/config"
	"github.com/c360studio/deepthink/deepthink"
	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
	rundocuments "github.com/c360studio/deepthink/output/run-documents"
	snapshotpublisher "github.com/c360studio/deepthink/output/snapshot-publisher"
	"github.com/c360studio/deepthink/workflow"
)

// App is the main application that wires together all components.
type App struct {
	logger       *slog.Logger
	out, errOut  io.Writer
	showThoughts bool

	// Guarded by mu; replaced when the config file changes.
	mu  sync.RWMutex
	cfg *config.Config

	registry *model.Registry
	orch     *deepthink.Orchestrator
	orchOpts []deepthink.Option

	// Metrics
	metricsRegistry *prometheus.Registry
	metricsServer   *http.Server
	metricsAddr     string

	// NATS
	natsConn    *nats.Conn
	publisher   *snapshotpublisher.Component
	unsubscribe func()

	// Transcripts
	docs *rundocuments.Writer
}

// AppOption configures an App.
type AppOption func(*App)

// WithAppLogger sets the application logger.
func WithAppLogger(logger *slog.Logger) AppOption {
	return func(a *App) {
		a.logger = logger
	}
}

// WithOutput sets where answers and progress are written.
func WithOutput(out, errOut io.Writer) AppOption {
	return func(a *App) {
		a.out = out
		a.errOut = errOut
	}
}

// WithThoughts prints streamed reasoning along with progress.
func WithThoughts(show bool) AppOption {
	return func(a *App) {
		a.showThoughts = show
	}
}

// withOrchestratorOptions passes extra options to the orchestrator.
func withOrchestratorOptions(opts ...deepthink.Option) AppOption {
	return func(a *App) {
		a.orchOpts = append(a.orchOpts, opts...)
	}
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, opts ...AppOption) (*App, error) {
	a := &App{
		logger: slog.Default(),
		out:    os.Stdout,
		errOut: os.Stderr,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(a)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("custom models: %w", err)
	}
	a.registry = registry

	manager, review, err := cfg.SystemPrompts()
	if err != nil {
		return nil, err
	}

	a.metricsRegistry = prometheus.NewRegistry()
	a.metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orchOpts := []deepthink.Option{
		deepthink.WithLogger(a.logger),
		deepthink.WithRegistry(registry),
		deepthink.WithRetryConfig(cfg.Retry),
		deepthink.WithMetrics(deepthink.NewMetrics(a.metricsRegistry)),
		deepthink.WithSystemPrompts(manager, review),
	}
	a.orch = deepthink.New(append(orchOpts, a.orchOpts...)...)

	if cfg.Output.Save {
		docs, err := rundocuments.NewWriter(cfg.Output.Dir, rundocuments.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.docs = docs
	}

	return a, nil
}

// Config returns the current config.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// UpdateConfig swaps in a reloaded config for subsequent runs. Custom models
// are registered; prompts, retry, NATS and metrics settings apply on restart.
func (a *App) UpdateConfig(cfg *config.Config) {
	for _, m := range cfg.CustomModels {
		if err := a.registry.Register(m); err != nil {
			a.logger.Warn("Ignoring custom model", "model", m.Name, "error", err)
		}
	}

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Start initializes the optional metrics endpoint and snapshot publisher.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()

	if cfg.Metrics.Addr != "" {
		if err := a.startMetrics(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("start metrics: %w", err)
		}
	}

	if cfg.NATS.URL != "" {
		if err := a.startNATS(ctx, cfg); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.metricsAddr = ln.Addr().String()

	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()

	a.logger.Info("Serving metrics", "addr", a.metricsAddr)
	return nil
}

func (a *App) startNATS(ctx context.Context, cfg *config.Config) error {
	a.logger.Info("Connecting to NATS", "url", cfg.NATS.URL)

	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			a.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return wrapNATSError(err, cfg.NATS.URL)
	}
	a.natsConn = conn

	pub, err := snapshotpublisher.New(snapshotpublisher.Config{
		SubjectPrefix:   cfg.NATS.Subject,
		IncludeThoughts: cfg.NATS.IncludeThoughts,
	}, conn, snapshotpublisher.WithLogger(a.logger))
	if err != nil {
		return err
	}

	updates, unsubscribe := a.orch.Subscribe()
	if err := pub.Start(context.WithoutCancel(ctx), updates); err != nil {
		unsubscribe()
		return err
	}
	a.publisher = pub
	a.unsubscribe = unsubscribe

	a.logger.Info("Connected to NATS", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.Subject)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if errors.Is(err, nats.ErrNoServers) ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -p 4222:4222 nats

Or drop --nats-url / nats.url to run without snapshot publishing.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// Ask runs one question, rendering progress as it streams, and returns the
// final snapshot.
func (a *App) Ask(ctx context.Context, req deepthink.RunRequest) (workflow.RunState, error) {
	cfg := a.Config()
	if req.Model == "" {
		req.Model = cfg.Model
	}

	r := newRenderer(a.out, a.errOut, a.showThoughts)
	r.skip(a.orch.Snapshot().RunID)
	updates, unsubscribe := a.orch.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for st := range updates {
			r.render(st)
		}
	}()

	err := a.orch.Run(ctx, req, cfg.RunConfig())
	unsubscribe()
	<-done

	final := a.orch.Snapshot()
	r.render(final)
	r.finish(final)

	if a.docs != nil && final.RunID != "" && final.RunID != r.skipRunID {
		_, _ = a.docs.Write(context.WithoutCancel(ctx), rundocuments.Transcript{
			Query:           req.Query,
			Model:           req.Model,
			State:           final,
			IncludeThoughts: a.showThoughts,
		})
	}

	return final, err
}

// Cancel stops the live run, if any.
func (a *App) Cancel() bool {
	return a.orch.Cancel()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.orch.Cancel()
	a.orch.Wait()

	if a.publisher != nil {
		if err := a.publisher.Stop(timeout); err != nil {
			a.logger.Warn("Snapshot publisher stop failed", "error", err)
		}
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	// Close NATS connection
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = a.metricsServer.Shutdown(ctx)
	}
}

// loadAttachments reads files into inline attachments. The MIME type comes
// from the extension, falling back to content sniffing.
func loadAttachments(paths []string) ([]llm.Attachment, error) {
	atts := make([]llm.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}

		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		mimeType, _, _ = strings.Cut(mimeType, ";")

		atts = append(atts, llm.Attachment{
			Type:     llm.AttachmentTypeFor(mimeType),
			Name:     filepath.Base(p),
			MIMEType: mimeType,
			Data:     data,
		})
	}
	return atts, nil
}

func readAllStdin(cmd *cobra.Command) (string, error) {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
