// Package main implements a mock OpenAI-compatible server for offline
// deepthink runs. It serves /v1/chat/completions from fixture files, routing
// each request to a stage (planner, reviewer, expert, synthesis) by its shape,
// so a whole run can execute without a real model.
//
// Usage:
//
//	mock-llm --fixtures ./fixtures --port 11434
//	deepthink run --provider custom --base-url http://localhost:11434/v1 --model mock "question"
//
// Fixture files are named by stage or model: "planner.json", "reviewer.json",
// "expert.md", "synthesis.md". JSON fixtures are validated on load; text
// fixtures may contain <thinking>...</thinking> sections, which the client
// surfaces as reasoning.
//
// Sequential fixtures: numbered files ("reviewer.1.json", "reviewer.2.json")
// are served in order, then the base file repeats as a fallback. This drives
// multi-round refinement deterministically.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/deepthink/workflow/prompts"
	"github.com/spf13/cobra"
)

// Stages a request can be routed to.
const (
	stagePlanner   = "planner"
	stageReviewer  = "reviewer"
	stageExpert    = "expert"
	stageSynthesis = "synthesis"
)

// synthesisPrefix starts every synthesis prompt.
const synthesisPrefix = `You are the "Synthesis Engine"`

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatMessage accepts both plain string content and multi-part content.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// text returns the message's text, joining text parts of multi-part content.
func (m chatMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Model     string   `json:"model"`
	Stage     string   `json:"stage"`
	System    string   `json:"system,omitempty"`
	User      string   `json:"user"`
	Stream    bool     `json:"stream"`
	CallIndex int      `json:"call_index"` // 1-indexed per-key call number
	Timestamp int64    `json:"timestamp"`
	Temp      *float64 `json:"temperature,omitempty"`
}

type server struct {
	fixtures  map[string][]string // stage or model name → ordered fixture contents
	chunkSize int                 // runes per streamed delta
	delay     time.Duration       // pause between streamed deltas
	logger    *slog.Logger

	calls atomic.Int64 // total calls served

	// Per-key call counters for sequential fixture selection.
	keyCalls   map[string]*atomic.Int64
	keyCallsMu sync.Mutex

	// Per-stage request capture.
	requests   map[string][]capturedRequest
	requestsMu sync.Mutex
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:  fixtures,
		chunkSize: 16,
		logger:    logger,
		keyCalls:  make(map[string]*atomic.Int64),
		requests:  make(map[string][]capturedRequest),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

// getCounter returns the call counter for a fixture key, creating it lazily.
func (s *server) getCounter(key string) *atomic.Int64 {
	s.keyCallsMu.Lock()
	defer s.keyCallsMu.Unlock()
	if c, ok := s.keyCalls[key]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.keyCalls[key] = c
	return c
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
		chunkSize  int
		delay      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-llm",
		Short: "OpenAI-compatible fixture server for offline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Allow env var override
			if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && fixtureDir == "" {
				fixtureDir = envDir
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			logger.Info("Loaded fixtures", "keys", len(fixtures), "dir", fixtureDir)
			for key, seq := range fixtures {
				logger.Info("Fixture", "key", key, "count", len(seq))
			}

			s := newServer(fixtures, logger)
			if chunkSize > 0 {
				s.chunkSize = chunkSize
			}
			s.delay = delay

			addr := fmt.Sprintf(":%d", port)
			logger.Info("Mock LLM server listening", "addr", addr)
			return http.ListenAndServe(addr, s.routes())
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "directory containing fixture response files")
	cmd.Flags().IntVar(&port, "port", 11434, "port to listen on")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 16, "runes per streamed delta")
	cmd.Flags().DurationVar(&delay, "delay", 0, "pause between streamed deltas")

	return cmd
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// classify decides which stage produced a request.
func classify(req chatRequest) (stage, system, user string) {
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.text()
		case "user":
			user = m.text()
		}
	}

	switch {
	case req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object":
		if strings.Contains(user, prompts.ReviewSchemaHint) || system == prompts.ReviewSystemPrompt() {
			return stageReviewer, system, user
		}
		return stagePlanner, system, user
	case system == "" && strings.HasPrefix(user, synthesisPrefix):
		return stageSynthesis, system, user
	default:
		return stageExpert, system, user
	}
}

// resolve finds the fixture key for a request: the stage first, then the
// model name, then the model without a "mock-" prefix.
func (s *server) resolve(stage, model string) (string, bool) {
	for _, key := range []string{stage, model, strings.TrimPrefix(model, "mock-")} {
		if _, ok := s.fixtures[key]; ok {
			return key, true
		}
	}
	return "", false
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	stage, system, user := classify(req)

	key, ok := s.resolve(stage, req.Model)
	if !ok {
		s.logger.Warn("No fixture for request", "call", callNum, "stage", stage, "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for stage %q or model %q", stage, req.Model), http.StatusNotFound)
		return
	}

	// Select fixture from sequence based on per-key call count
	seq := s.fixtures[key]
	callIndex := int(s.getCounter(key).Add(1) - 1) // 0-indexed
	content := seq[len(seq)-1]                      // repeat last fixture
	if callIndex < len(seq) {
		content = seq[callIndex]
	}

	s.requestsMu.Lock()
	s.requests[stage] = append(s.requests[stage], capturedRequest{
		Model:     req.Model,
		Stage:     stage,
		System:    system,
		User:      user,
		Stream:    req.Stream,
		CallIndex: callIndex + 1,
		Timestamp: time.Now().UnixMilli(),
		Temp:      req.Temperature,
	})
	s.requestsMu.Unlock()

	s.logger.Info("Serving fixture",
		"call", callNum,
		"stage", stage,
		"key", key,
		"call_index", callIndex+1,
		"of", len(seq),
		"stream", req.Stream)

	if req.Stream {
		s.writeStream(w, r, req.Model, content)
		return
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      responseMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(user) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(user) + len(content)) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeStream sends content as server-sent chat.completion.chunk events.
func (s *server) writeStream(w http.ResponseWriter, r *http.Request, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	id := fmt.Sprintf("mock-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	send := func(delta streamDelta, finish *string) bool {
		data, _ := json.Marshal(streamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []streamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !send(streamDelta{Role: "assistant"}, nil) {
		return
	}
	for _, piece := range splitRunes(content, s.chunkSize) {
		if s.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.delay):
			}
		}
		if !send(streamDelta{Content: piece}, nil) {
			return
		}
	}
	stop := "stop"
	if !send(streamDelta{}, &stop) {
		return
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// splitRunes cuts s into pieces of at most n runes. Splitting mid-tag is
// intentional: clients must reassemble <thinking> markers across deltas.
func splitRunes(s string, n int) []string {
	if n <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	pieces := make([]string, 0, len(runes)/n+1)
	for len(runes) > 0 {
		end := min(n, len(runes))
		pieces = append(pieces, string(runes[:end]))
		runes = runes[end:]
	}
	return pieces
}

// handleModels returns the fixture keys as the model list.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	keys := make([]string, 0, len(s.fixtures))
	for key := range s.fixtures {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	models := make([]modelEntry, 0, len(keys))
	for _, key := range keys {
		models = append(models, modelEntry{ID: key, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.keyCallsMu.Lock()
	callsByKey := make(map[string]int64, len(s.keyCalls))
	for key, counter := range s.keyCalls {
		callsByKey[key] = counter.Load()
	}
	s.keyCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":  s.calls.Load(),
		"calls_by_key": callsByKey,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - stage: filter by stage (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	stageFilter := r.URL.Query().Get("stage")
	callFilter, callErr := strconv.Atoi(r.URL.Query().Get("call"))

	s.requestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for stage, reqs := range s.requests {
		if stageFilter != "" && stage != stageFilter {
			continue
		}
		for _, req := range reqs {
			if callErr == nil && req.CallIndex != callFilter {
				continue
			}
			result[stage] = append(result[stage], req)
		}
	}
	s.requestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_stage": result,
	})
}

// numberedFileRe matches files like "reviewer.1.json" or "expert.2.md".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(json|md|txt)$`)

// fixtureExts are the accepted fixture file extensions.
var fixtureExts = map[string]bool{".json": true, ".md": true, ".txt": true}

// loadFixtures reads fixture files from dir and returns a map of key→content sequence.
//
// For each key, fixtures are ordered:
//  1. Numbered files (key.1.json, key.2.json, ...) in numeric order
//  2. Base file (key.json) appended as the final fallback
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)             // key → content
	numberedFiles := make(map[string]map[int]string) // key → {index → content}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(info.Name())
		if info.IsDir() || !fixtureExts[ext] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if ext == ".json" && !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)

		// Check for numbered pattern: key.N.ext
		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			key := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[key] == nil {
				numberedFiles[key] = make(map[int]string)
			}
			numberedFiles[key][index] = content
			return nil
		}

		baseFiles[strings.TrimSuffix(info.Name(), ext)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collect all keys
	allKeys := make(map[string]bool)
	for k := range baseFiles {
		allKeys[k] = true
	}
	for k := range numberedFiles {
		allKeys[k] = true
	}

	fixtures := make(map[string][]string)
	for key := range allKeys {
		var seq []string

		if numbered, ok := numberedFiles[key]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		if base, ok := baseFiles[key]; ok {
			seq = append(seq, base)
		}

		if len(seq) > 0 {
			fixtures[key] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	return fixtures, nil
}
