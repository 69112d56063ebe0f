// Package providers implements the concrete backends behind llm.Backend and
// registers them by provider name.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/c360studio/deepthink/llm"
	"google.golang.org/genai"
)

func init() {
	llm.RegisterProvider("google", NewGeminiBackend)
}

// GeminiBackend uses the native Gemini API. Responses arrive as typed parts,
// each flagged as reasoning or visible, and structured calls use the
// provider's schema-constrained JSON mode.
type GeminiBackend struct {
	apiKey llm.Secret
	client *genai.Client
}

// NewGeminiBackend creates a backend for ep.
func NewGeminiBackend(ep llm.Endpoint) (llm.Backend, error) {
	if ep.APIKey == "" {
		return nil, llm.NewFatalError(errors.New("google provider requires an API key"))
	}

	cfg := &genai.ClientConfig{
		APIKey:  ep.APIKey.Reveal(),
		Backend: genai.BackendGeminiAPI,
	}
	if ep.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: ep.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiBackend{apiKey: ep.APIKey, client: client}, nil
}

// Name returns the provider identifier.
func (g *GeminiBackend) Name() string {
	return "google"
}

// Generate performs a single generateContent call.
func (g *GeminiBackend) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, buildContents(req), buildConfig(req))
	if err != nil {
		return nil, g.classify(err)
	}

	chunk := splitParts(resp)
	return &llm.Response{Text: chunk.Text, Thought: chunk.Thought, Model: resp.ModelVersion}, nil
}

// StreamGenerate opens a streamGenerateContent call. The SDK is lazy, so the
// first response is pulled here to surface handshake errors to the caller.
func (g *GeminiBackend) StreamGenerate(ctx context.Context, req llm.Request) (llm.Stream, error) {
	seq := g.client.Models.GenerateContentStream(ctx, req.Model, buildContents(req), buildConfig(req))
	next, stop := iter.Pull2(seq)

	first, err, ok := next()
	if err != nil {
		stop()
		return nil, g.classify(err)
	}
	s := &geminiStream{backend: g, next: next, stop: stop, done: !ok}
	if ok {
		s.pending = splitParts(first)
	}
	return s, nil
}

// buildContents translates the user turn into native content parts.
func buildContents(req llm.Request) []*genai.Content {
	parts := []*genai.Part{genai.NewPartFromText(req.Text)}
	for _, att := range req.Attachments {
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MIMEType))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

// buildConfig maps the neutral request options onto GenerateContentConfig.
func buildConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: req.ThinkingBudget != 0,
			ThinkingBudget:  genai.Ptr(int32(req.ThinkingBudget)),
		},
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(req.Schema)
	}
	return cfg
}

// toGenaiSchema converts the neutral schema tree.
func toGenaiSchema(s *llm.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
		Items:       toGenaiSchema(s.Items),
	}
	switch s.Type {
	case llm.TypeObject:
		out.Type = genai.TypeObject
	case llm.TypeArray:
		out.Type = genai.TypeArray
	case llm.TypeNumber:
		out.Type = genai.TypeNumber
	case llm.TypeBoolean:
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

// splitParts routes thought-flagged parts to Chunk.Thought and the rest to Chunk.Text.
func splitParts(resp *genai.GenerateContentResponse) llm.Chunk {
	var text, thought strings.Builder
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Chunk{}
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			thought.WriteString(part.Text)
		} else {
			text.WriteString(part.Text)
		}
	}
	return llm.Chunk{Text: text.String(), Thought: thought.String()}
}

// classify maps SDK errors onto transient/fatal and scrubs the API key.
func (g *GeminiBackend) classify(err error) error {
	if llm.IsCanceled(err) {
		return err
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Code != 0:
		err = llm.ClassifyStatus(apiErr.Code, err)
	case errors.As(err, &apiErrPtr) && apiErrPtr.Code != 0:
		err = llm.ClassifyStatus(apiErrPtr.Code, err)
	default:
		err = llm.ClassifyTransport(err)
	}
	return llm.RedactError(fmt.Errorf("google: %w", err), g.apiKey)
}

type geminiStream struct {
	backend *GeminiBackend
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending llm.Chunk
	done    bool
}

// Recv returns the next non-empty chunk.
func (s *geminiStream) Recv() (llm.Chunk, error) {
	for {
		if !s.pending.Empty() {
			c := s.pending
			s.pending = llm.Chunk{}
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}

		resp, err, ok := s.next()
		if !ok {
			s.done = true
			continue
		}
		if err != nil {
			s.done = true
			return llm.Chunk{}, s.backend.classify(err)
		}
		s.pending = splitParts(resp)
	}
}

// Close stops the underlying iterator.
func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
