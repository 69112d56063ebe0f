// Package llm provides a provider-agnostic streaming backend contract for the
// deepthink orchestrator, plus the retry policy, structured-output cleanup and
// reasoning-tag lexer shared by the concrete providers.
package llm

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
)

// Backend is one language-model provider normalized to a uniform contract.
// Generate is used by the structured (JSON-returning) stages; StreamGenerate
// by experts and synthesis.
type Backend interface {
	// Name returns the provider identifier (e.g. "google", "openai").
	Name() string

	// Generate performs a single non-streaming call.
	Generate(ctx context.Context, req Request) (*Response, error)

	// StreamGenerate opens a stream. The returned error covers the handshake
	// only; failures after the first chunk surface from Stream.Recv.
	StreamGenerate(ctx context.Context, req Request) (Stream, error)
}

// Stream yields increments until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Chunk is one streamed increment, split into visible and reasoning text.
type Chunk struct {
	Text    string
	Thought string
}

// Empty reports whether the chunk carries no text at all.
func (c Chunk) Empty() bool {
	return c.Text == "" && c.Thought == ""
}

// Response is the result of a non-streaming call.
type Response struct {
	Text    string
	Thought string
	Model   string
}

// Request describes one backend call.
type Request struct {
	// Model is the provider model identifier.
	Model string

	// SystemInstruction is sent as the system prompt when non-empty.
	SystemInstruction string

	// Text is the user content.
	Text string

	// Attachments are inlined alongside Text.
	Attachments []Attachment

	// Temperature controls randomness. nil uses the provider default.
	Temperature *float64

	// ThinkingBudget caps internal reasoning tokens. 0 disables thinking.
	ThinkingBudget int

	// Schema requests schema-constrained JSON output where the provider supports it.
	Schema *Schema

	// SchemaHint is appended to Text by providers without schema support.
	SchemaHint string
}

// Structured reports whether the caller expects a JSON document back.
func (r Request) Structured() bool {
	return r.Schema != nil || r.SchemaHint != ""
}

// TextWithHint returns Text followed by the JSON-shape instruction, if any.
func (r Request) TextWithHint() string {
	if r.SchemaHint == "" {
		return r.Text
	}
	return r.Text + "\n\n" + r.SchemaHint
}

// Attachment kinds.
const (
	AttachmentImage    = "image"
	AttachmentPDF      = "pdf"
	AttachmentVideo    = "video"
	AttachmentAudio    = "audio"
	AttachmentDocument = "document"
)

// Attachment is binary user media sent inline with a request.
type Attachment struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Base64 returns the payload in standard base64.
func (a Attachment) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// DataURI returns the payload as a data URI.
func (a Attachment) DataURI() string {
	return "data:" + a.MIMEType + ";base64," + a.Base64()
}

// AttachmentTypeFor maps a MIME type to an attachment kind.
func AttachmentTypeFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return AttachmentAudio
	case mimeType == "application/pdf":
		return AttachmentPDF
	default:
		return AttachmentDocument
	}
}

// Collect drains a stream into a single Response. The stream is closed.
func Collect(s Stream) (*Response, error) {
	defer s.Close()

	var text, thought strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return &Response{Text: text.String(), Thought: thought.String()}, nil
		}
		if err != nil {
			return nil, err
		}
		text.WriteString(chunk.Text)
		thought.WriteString(chunk.Thought)
	}
}

// SliceStream is a Stream over a fixed set of chunks.
type SliceStream struct {
	chunks []Chunk
	pos    int
}

// NewSliceStream returns a stream that yields chunks in order.
func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

// Recv returns the next chunk or io.EOF.
func (s *SliceStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// Close is a no-op.
func (s *SliceStream) Close() error { return nil }
