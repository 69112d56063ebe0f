package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/c360studio/deepthink/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Default base URLs for OpenAI-compatible providers.
var openAIBaseURLs = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"deepseek":  "https://api.deepseek.com/v1",
	"anthropic": "https://api.anthropic.com/v1",
	"xai":       "https://api.x.ai/v1",
	"mistral":   "https://api.mistral.ai/v1",
	"custom":    "",
}

// structuredTemperature is used by JSON-returning calls that set no temperature.
const structuredTemperature = 0.7

func init() {
	for name := range openAIBaseURLs {
		llm.RegisterProvider(name, NewOpenAIBackend)
	}
}

// OpenAIBackend talks to any OpenAI-compatible chat-completions endpoint.
// Reasoning is read from the reasoning_content delta when the provider sends
// one, and otherwise lexed out of inline <thinking> markers.
type OpenAIBackend struct {
	provider string
	apiKey   llm.Secret
	client   *openai.Client
}

// NewOpenAIBackend creates a backend for ep.
func NewOpenAIBackend(ep llm.Endpoint) (llm.Backend, error) {
	baseURL := BuildOpenAIBaseURL(ep.Provider, ep.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("provider %s requires a base URL", ep.Provider)
	}

	cfg := openai.DefaultConfig(ep.APIKey.Reveal())
	cfg.BaseURL = baseURL

	return &OpenAIBackend{
		provider: ep.Provider,
		apiKey:   ep.APIKey,
		client:   openai.NewClientWithConfig(cfg),
	}, nil
}

// BuildOpenAIBaseURL resolves the API root for a provider. The go-openai client
// appends /chat/completions itself, so a full endpoint URL is trimmed back.
func BuildOpenAIBaseURL(provider, baseURL string) string {
	if baseURL == "" {
		baseURL = openAIBaseURLs[provider]
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return strings.TrimSuffix(baseURL, "/chat/completions")
}

// Name returns the provider identifier.
func (o *OpenAIBackend) Name() string {
	return o.provider
}

// Generate performs a non-streaming chat completion.
func (o *OpenAIBackend) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(req, false))
	if err != nil {
		return nil, o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewTransientError(fmt.Errorf("%s response had no choices", o.provider))
	}

	msg := resp.Choices[0].Message
	text, thought := llm.SplitThinking(msg.Content)
	if msg.ReasoningContent != "" {
		thought = strings.TrimSpace(msg.ReasoningContent + "\n" + thought)
	}
	return &llm.Response{Text: text, Thought: thought, Model: resp.Model}, nil
}

// StreamGenerate opens a streaming chat completion. The HTTP handshake
// (including the status check) happens before this returns.
func (o *OpenAIBackend) StreamGenerate(ctx context.Context, req llm.Request) (llm.Stream, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(req, true))
	if err != nil {
		return nil, o.classify(err)
	}
	return &openAIStream{
		backend: o,
		stream:  stream,
		parser:  llm.NewThinkTagParser(),
	}, nil
}

// buildRequest translates a backend request into the chat-completions shape.
func (o *OpenAIBackend) buildRequest(req llm.Request, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	messages = append(messages, userMessage(req.TextWithHint(), req.Attachments))

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	switch {
	case req.Temperature != nil:
		out.Temperature = float32(*req.Temperature)
	case req.Structured():
		out.Temperature = structuredTemperature
	}
	if req.Structured() {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

// userMessage builds the user turn. Attachments become image_url data URIs.
func userMessage(text string, attachments []llm.Attachment) openai.ChatCompletionMessage {
	if len(attachments) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(attachments)+1)
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	for _, att := range attachments {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: att.DataURI()},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// classify maps go-openai errors onto transient/fatal and scrubs the API key.
func (o *OpenAIBackend) classify(err error) error {
	if llm.IsCanceled(err) {
		return err
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0:
		err = llm.ClassifyStatus(apiErr.HTTPStatusCode, err)
	case errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0:
		err = llm.ClassifyStatus(reqErr.HTTPStatusCode, err)
	default:
		err = llm.ClassifyTransport(err)
	}
	return llm.RedactError(fmt.Errorf("%s: %w", o.provider, err), o.apiKey)
}

type openAIStream struct {
	backend *OpenAIBackend
	stream  *openai.ChatCompletionStream
	parser  *llm.ThinkTagParser
	pending []llm.Chunk
	done    bool
}

// Recv returns the next non-empty chunk.
func (s *openAIStream) Recv() (llm.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.pending = append(s.pending, s.parser.Flush()...)
			continue
		}
		if err != nil {
			return llm.Chunk{}, s.backend.classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.ReasoningContent != "" {
			s.pending = append(s.pending, llm.Chunk{Thought: delta.ReasoningContent})
		}
		if delta.Content != "" {
			s.pending = append(s.pending, s.parser.Feed(delta.Content)...)
		}
	}
}

// Close releases the underlying HTTP response.
func (s *openAIStream) Close() error {
	return s.stream.Close()
}
