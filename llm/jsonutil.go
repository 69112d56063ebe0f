package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	// fencePattern matches a markdown code fence opening, with or without a language tag.
	fencePattern = regexp.MustCompile("(?m)^\\s*```[a-zA-Z]*\\s*$")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ErrNoJSON is returned by DecodeJSON when the response holds no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON pulls the first complete JSON object out of a model response.
// Code fences, leading/trailing prose, JavaScript-style comments and trailing
// commas are removed. Returns "" when no object is present.
func ExtractJSON(content string) string {
	content = fencePattern.ReplaceAllString(content, "")
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	end := matchingBrace(content, start)
	if end < 0 {
		return ""
	}
	return cleanJSON(content[start : end+1])
}

// DecodeJSON extracts a JSON object from content and unmarshals it into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}

// matchingBrace returns the index of the brace closing the one at start,
// skipping braces inside string literals. Returns -1 if unbalanced.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// cleanJSON removes JavaScript-style comments and trailing commas from JSON.
// Models commonly produce these invalid JSON artifacts.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
//
//	"url": "http://example.com" // comment  → "url": "http://example.com"
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
