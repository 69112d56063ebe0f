package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/deepthink/config"
	"github.com/c360studio/deepthink/deepthink"
	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/llm/testutil"
	"github.com/c360studio/deepthink/workflow"
)

const onePlan = `{
  "thought_process": "One specialist is enough.",
  "experts": [
    {"role": "Historian", "description": "Knows the timeline", "temperature": 0.4, "prompt": "Date the event"}
  ]
}`

// recorder captures the synthesis prompts a scripted backend receives.
type recorder struct {
	mu        sync.Mutex
	synthesis []string
}

func (r *recorder) prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.synthesis...)
}

func scriptedBackend(rec *recorder) *testutil.MockBackend {
	return &testutil.MockBackend{
		GenerateFunc: func(context.Context, llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: onePlan}, nil
		},
		StreamFunc: func(_ context.Context, req llm.Request) (llm.Stream, error) {
			if req.SystemInstruction == "" && strings.HasPrefix(req.Text, `You are the "Synthesis Engine"`) {
				rec.mu.Lock()
				rec.synthesis = append(rec.synthesis, req.Text)
				rec.mu.Unlock()
				return llm.NewSliceStream(llm.Chunk{Thought: "weighing"}, llm.Chunk{Text: "Final answer."}), nil
			}
			return llm.NewSliceStream(llm.Chunk{Thought: "recalling"}, llm.Chunk{Text: "It began in 1900."}), nil
		},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Retry = llm.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        2 * time.Millisecond,
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, rec *recorder, out, errOut io.Writer) *App {
	t.Helper()
	backend := scriptedBackend(rec)
	app, err := NewApp(cfg,
		WithAppLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOutput(out, errOut),
		withOrchestratorOptions(deepthink.WithBackendFactory(func(llm.Endpoint) (llm.Backend, error) {
			return backend, nil
		})))
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(func() { app.Shutdown(time.Second) })
	return app
}

func TestAppAsk(t *testing.T) {
	var out, errOut bytes.Buffer
	app := newTestApp(t, testConfig(), &recorder{}, &out, &errOut)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	final, err := app.Ask(ctx, deepthink.RunRequest{Query: "When did X begin?"})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	if final.Phase != workflow.PhaseCompleted {
		t.Errorf("expected completed phase, got %s", final.Phase)
	}
	if len(final.Experts) != 2 {
		t.Fatalf("expected primary plus one planned expert, got %d", len(final.Experts))
	}
	if final.Experts[1].Role != "Historian" {
		t.Errorf("expected Historian, got %s", final.Experts[1].Role)
	}

	if got := out.String(); got != "Final answer.\n" {
		t.Errorf("stdout should hold only the answer, got %q", got)
	}
	progress := errOut.String()
	for _, want := range []string{"✓ Primary Responder", "✓ Historian", "» Done in"} {
		if !strings.Contains(progress, want) {
			t.Errorf("progress missing %q:\n%s", want, progress)
		}
	}
	if strings.Contains(progress, "recalling") {
		t.Error("thoughts should be hidden unless requested")
	}
}

func TestAppAskSecondRun(t *testing.T) {
	var out, errOut bytes.Buffer
	app := newTestApp(t, testConfig(), &recorder{}, &out, &errOut)
	ctx := context.Background()

	first, err := app.Ask(ctx, deepthink.RunRequest{Query: "first"})
	if err != nil {
		t.Fatalf("first Ask failed: %v", err)
	}
	out.Reset()

	second, err := app.Ask(ctx, deepthink.RunRequest{Query: "second"})
	if err != nil {
		t.Fatalf("second Ask failed: %v", err)
	}

	if first.RunID == second.RunID {
		t.Error("each ask should start a new run")
	}
	if got := out.String(); got != "Final answer.\n" {
		t.Errorf("second ask should print its answer once, got %q", got)
	}
}

func TestAppAskEmptyQuery(t *testing.T) {
	var out, errOut bytes.Buffer
	app := newTestApp(t, testConfig(), &recorder{}, &out, &errOut)

	_, err := app.Ask(context.Background(), deepthink.RunRequest{Query: "  "})
	if !errors.Is(err, deepthink.ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed, got %q", out.String())
	}
}

func TestAppAskShowThoughts(t *testing.T) {
	var out, errOut bytes.Buffer
	cfg := testConfig()
	app := newTestApp(t, cfg, &recorder{}, &out, &errOut)
	app.showThoughts = true

	if _, err := app.Ask(context.Background(), deepthink.RunRequest{Query: "q"}); err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	progress := errOut.String()
	if !strings.Contains(progress, "│ recalling") {
		t.Errorf("expert thoughts missing:\n%s", progress)
	}
	if !strings.Contains(progress, "weighing") {
		t.Errorf("synthesis thoughts missing:\n%s", progress)
	}
	if strings.Contains(out.String(), "weighing") {
		t.Error("thoughts must not reach stdout")
	}
}

func TestAppSavesTranscript(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Output.Save = true
	cfg.Output.Dir = dir

	app := newTestApp(t, cfg, &recorder{}, io.Discard, io.Discard)
	final, err := app.Ask(context.Background(), deepthink.RunRequest{Query: "When did X begin?"})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".deepthink", "runs", final.RunID+".md"))
	if err != nil {
		t.Fatalf("transcript not written: %v", err)
	}
	doc := string(data)
	for _, want := range []string{"# When did X begin?", "### Historian", "## Final Answer", "Final answer."} {
		if !strings.Contains(doc, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
}

func TestAppMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"
	app := newTestApp(t, cfg, &recorder{}, io.Discard, io.Discard)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	if _, err := app.Ask(ctx, deepthink.RunRequest{Query: "q"}); err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	resp, err := http.Get("http://" + app.metricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"deepthink_runs_total", "deepthink_expert_tasks_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestAppUpdateConfig(t *testing.T) {
	app := newTestApp(t, testConfig(), &recorder{}, io.Discard, io.Discard)

	next := testConfig()
	next.Model = "my-local"
	next.CustomModels = append(next.CustomModels, customModel("my-local"))
	app.UpdateConfig(next)

	if app.Config().Model != "my-local" {
		t.Errorf("config not swapped, model %s", app.Config().Model)
	}
	if _, ok := app.registry.Lookup("my-local"); !ok {
		t.Error("custom model from reloaded config should be registered")
	}
}

func TestWrapNATSError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHint bool
	}{
		{name: "no servers", err: nats.ErrNoServers, wantHint: true},
		{name: "refused", err: errors.New("dial tcp: connection refused"), wantHint: true},
		{name: "auth", err: nats.ErrAuthorization, wantHint: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapNATSError(tt.err, "nats://localhost:4222")
			if !errors.Is(err, tt.err) {
				t.Errorf("wrapped error should keep the cause")
			}
			if got := strings.Contains(err.Error(), "docker run"); got != tt.wantHint {
				t.Errorf("hint present = %v, want %v", got, tt.wantHint)
			}
		})
	}
}
