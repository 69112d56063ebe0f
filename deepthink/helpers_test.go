package deepthink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/llm/testutil"
	"github.com/c360studio/deepthink/workflow"
	"github.com/c360studio/deepthink/workflow/prompts"
	"github.com/stretchr/testify/require"
)

const twoExpertPlan = `{
  "thought_process": "Split into theory and practice.",
  "experts": [
    {"role": "Theorist", "description": "Explains the underlying model", "temperature": 0.3, "prompt": "Explain the theory of X"},
    {"role": "Practitioner", "description": "Gives worked examples", "temperature": 1.2, "prompt": "Show X in practice"}
  ]
}`

const emptyPlan = `{"thought_process": "Simple question.", "experts": []}`

// script routes mock calls by stage. Nil hooks use the defaults below.
type script struct {
	plan      func(req llm.Request) (*llm.Response, error)
	review    func(n int, req llm.Request) (*llm.Response, error)
	expert    func(ctx context.Context, req llm.Request) (llm.Stream, error)
	synthesis func(ctx context.Context, req llm.Request) (llm.Stream, error)

	reviews atomic.Int32
}

func newScriptedBackend(s *script) *testutil.MockBackend {
	return &testutil.MockBackend{
		GenerateFunc: func(_ context.Context, req llm.Request) (*llm.Response, error) {
			switch req.SystemInstruction {
			case prompts.ManagerSystemPrompt():
				if s.plan == nil {
					return &llm.Response{Text: twoExpertPlan}, nil
				}
				return s.plan(req)
			case prompts.ReviewSystemPrompt():
				n := int(s.reviews.Add(1))
				if s.review == nil {
					return &llm.Response{Text: `{"satisfied": true, "critique": "Good."}`}, nil
				}
				return s.review(n, req)
			}
			return nil, errors.New("unexpected structured call")
		},
		StreamFunc: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			if isSynthesis(req) {
				if s.synthesis == nil {
					return llm.NewSliceStream(llm.Chunk{Thought: "merging"}, llm.Chunk{Text: "Final answer."}), nil
				}
				return s.synthesis(ctx, req)
			}
			if s.expert == nil {
				return echoStream(req), nil
			}
			return s.expert(ctx, req)
		},
	}
}

// echoStream answers an expert request with its own prompt.
func echoStream(req llm.Request) llm.Stream {
	return llm.NewSliceStream(
		llm.Chunk{Thought: "considering " + req.Text},
		llm.Chunk{Text: "answer to "},
		llm.Chunk{Text: req.Text},
	)
}

func isSynthesis(req llm.Request) bool {
	return req.SystemInstruction == "" && strings.HasPrefix(req.Text, `You are the "Synthesis Engine"`)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(backend llm.Backend, opts ...Option) *Orchestrator {
	base := []Option{
		WithBackendFactory(func(llm.Endpoint) (llm.Backend, error) { return backend, nil }),
		WithRetryConfig(llm.RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 2,
			MaxBackoff:        2 * time.Millisecond,
		}),
		WithLogger(quietLogger()),
	}
	return New(append(base, opts...)...)
}

func waitForState(t *testing.T, o *Orchestrator, cond func(workflow.RunState) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(o.Snapshot())
	}, 2*time.Second, time.Millisecond)
}

func synthesisCalls(m *testutil.MockBackend) []llm.Request {
	var out []llm.Request
	for _, req := range m.StreamCalls() {
		if isSynthesis(req) {
			out = append(out, req)
		}
	}
	return out
}

func expertCall(m *testutil.MockBackend, prompt string) (llm.Request, bool) {
	for _, req := range m.StreamCalls() {
		if !isSynthesis(req) && req.Text == prompt {
			return req, true
		}
	}
	return llm.Request{}, false
}

func rounds(experts []workflow.ExpertRecord) []int {
	out := make([]int, len(experts))
	for i, e := range experts {
		out[i] = e.Round
	}
	return out
}

func ids(experts []workflow.ExpertRecord) []string {
	out := make([]string, len(experts))
	for i, e := range experts {
		out[i] = e.ID
	}
	return out
}
