// Package testutil provides test utilities for the llm package.
// It includes a scriptable llm.Backend for exercising orchestration code.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/deepthink/llm"
)

// MockBackend is a thread-safe scripted backend.
//
// Usage:
//
//	// Sequenced structured responses
//	mock := &MockBackend{
//	    Responses: []*llm.Response{
//	        {Text: `{"thought_process": "...", "experts": []}`},
//	    },
//	}
//
//	// Custom routing
//	mock := &MockBackend{
//	    StreamFunc: func(ctx context.Context, req llm.Request) (llm.Stream, error) {
//	        return llm.NewSliceStream(llm.Chunk{Text: "hello"}), nil
//	    },
//	}
type MockBackend struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Responses are returned by Generate in sequence.
	Responses []*llm.Response
	// Err is returned by Generate (takes precedence over Responses).
	Err error
	// GenerateFunc overrides Responses/Err when set.
	GenerateFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)

	// StreamFunc produces streams. When nil, StreamGenerate echoes req.Text.
	StreamFunc func(ctx context.Context, req llm.Request) (llm.Stream, error)

	generateCalls []llm.Request
	streamCalls   []llm.Request
	responseIndex int
}

var _ llm.Backend = (*MockBackend)(nil)

// Name implements llm.Backend.
func (m *MockBackend) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Generate implements llm.Backend.
func (m *MockBackend) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, req)
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}
	return &llm.Response{Text: "{}", Model: "test-model"}, nil
}

// StreamGenerate implements llm.Backend.
func (m *MockBackend) StreamGenerate(ctx context.Context, req llm.Request) (llm.Stream, error) {
	m.mu.Lock()
	m.streamCalls = append(m.streamCalls, req)
	fn := m.StreamFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return llm.NewSliceStream(llm.Chunk{Text: req.Text}), nil
}

// GenerateCalls returns a copy of the requests passed to Generate.
func (m *MockBackend) GenerateCalls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.generateCalls...)
}

// StreamCalls returns a copy of the requests passed to StreamGenerate.
func (m *MockBackend) StreamCalls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.streamCalls...)
}

// Reset clears captured calls and the response index.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls = nil
	m.streamCalls = nil
	m.responseIndex = 0
}

// FailingStream yields Chunks and then returns Err instead of io.EOF.
type FailingStream struct {
	Chunks []llm.Chunk
	Err    error
	pos    int
}

// Recv implements llm.Stream.
func (s *FailingStream) Recv() (llm.Chunk, error) {
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	return llm.Chunk{}, s.Err
}

// Close implements llm.Stream.
func (s *FailingStream) Close() error { return nil }

// BlockingStream yields its chunks and then blocks until ctx is done.
// Started is closed once every chunk has been delivered.
type BlockingStream struct {
	ctx     context.Context
	chunks  []llm.Chunk
	pos     int
	once    sync.Once
	Started chan struct{}
}

// NewBlockingStream returns a stream bound to ctx.
func NewBlockingStream(ctx context.Context, chunks ...llm.Chunk) *BlockingStream {
	return &BlockingStream{ctx: ctx, chunks: chunks, Started: make(chan struct{})}
}

// Recv implements llm.Stream.
func (s *BlockingStream) Recv() (llm.Chunk, error) {
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	s.once.Do(func() { close(s.Started) })
	<-s.ctx.Done()
	return llm.Chunk{}, s.ctx.Err()
}

// Close implements llm.Stream.
func (s *BlockingStream) Close() error { return nil }
