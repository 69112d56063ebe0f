package llm

import "strings"

// Default inline reasoning markers emitted by OpenAI-compatible models that
// have no dedicated reasoning channel.
const (
	DefaultThinkOpen  = "<thinking>"
	DefaultThinkClose = "</thinking>"

	// DefaultThoughtFlushSize bounds how much reasoning is buffered before it
	// is released as its own chunk.
	DefaultThoughtFlushSize = 100
)

type tagState int

const (
	outsideReasoning tagState = iota
	insideReasoning
)

// ThinkTagParser splits a plain text stream into visible text and reasoning
// delimited by inline open/close markers. It is incremental: a marker may be
// split across any number of Feed calls.
type ThinkTagParser struct {
	open, close string
	flushSize   int

	state   tagState
	carry   string // possible marker prefix held back from the previous feed
	thought strings.Builder
}

// NewThinkTagParser returns a parser for the default markers.
func NewThinkTagParser() *ThinkTagParser {
	return NewThinkTagParserWith(DefaultThinkOpen, DefaultThinkClose, DefaultThoughtFlushSize)
}

// NewThinkTagParserWith returns a parser for custom markers and flush size.
func NewThinkTagParserWith(openTag, closeTag string, flushSize int) *ThinkTagParser {
	if flushSize <= 0 {
		flushSize = DefaultThoughtFlushSize
	}
	return &ThinkTagParser{open: openTag, close: closeTag, flushSize: flushSize}
}

// Inside reports whether the parser is currently within a reasoning section.
func (p *ThinkTagParser) Inside() bool {
	return p.state == insideReasoning
}

// Feed consumes one network delta and returns the chunks it completes.
func (p *ThinkTagParser) Feed(delta string) []Chunk {
	buf := p.carry + delta
	p.carry = ""

	var out []Chunk
	for buf != "" {
		switch p.state {
		case outsideReasoning:
			if idx := strings.Index(buf, p.open); idx >= 0 {
				if idx > 0 {
					out = append(out, Chunk{Text: buf[:idx]})
				}
				buf = buf[idx+len(p.open):]
				p.state = insideReasoning
				continue
			}
			keep := partialSuffix(buf, p.open)
			if emit := buf[:len(buf)-keep]; emit != "" {
				out = append(out, Chunk{Text: emit})
			}
			p.carry = buf[len(buf)-keep:]
			buf = ""

		case insideReasoning:
			if idx := strings.Index(buf, p.close); idx >= 0 {
				p.thought.WriteString(buf[:idx])
				if c, ok := p.releaseThought(); ok {
					out = append(out, c)
				}
				buf = buf[idx+len(p.close):]
				p.state = outsideReasoning
				continue
			}
			keep := partialSuffix(buf, p.close)
			p.thought.WriteString(buf[:len(buf)-keep])
			p.carry = buf[len(buf)-keep:]
			buf = ""
			if p.thought.Len() > p.flushSize {
				if c, ok := p.releaseThought(); ok {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// Flush releases everything still buffered at end of stream. An unterminated
// reasoning section is released as reasoning; a held-back partial marker
// outside reasoning is released as visible text.
func (p *ThinkTagParser) Flush() []Chunk {
	var out []Chunk
	switch p.state {
	case insideReasoning:
		p.thought.WriteString(p.carry)
	default:
		if p.carry != "" {
			out = append(out, Chunk{Text: p.carry})
		}
	}
	p.carry = ""
	if c, ok := p.releaseThought(); ok {
		out = append(out, c)
	}
	return out
}

// releaseThought empties the reasoning buffer. Whitespace-only reasoning is dropped.
func (p *ThinkTagParser) releaseThought() (Chunk, bool) {
	t := p.thought.String()
	p.thought.Reset()
	if strings.TrimSpace(t) == "" {
		return Chunk{}, false
	}
	return Chunk{Thought: t}, true
}

// partialSuffix returns the length of the longest proper prefix of marker
// that buf ends with.
func partialSuffix(buf, marker string) int {
	limit := len(marker) - 1
	if limit > len(buf) {
		limit = len(buf)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(buf, marker[:n]) {
			return n
		}
	}
	return 0
}

// SplitThinking separates a complete response body into visible text and
// reasoning. Both are trimmed.
func SplitThinking(text string) (visible, thought string) {
	p := NewThinkTagParser()
	var v, t strings.Builder
	for _, c := range append(p.Feed(text), p.Flush()...) {
		v.WriteString(c.Text)
		t.WriteString(c.Thought)
	}
	return strings.TrimSpace(v.String()), strings.TrimSpace(t.String())
}
