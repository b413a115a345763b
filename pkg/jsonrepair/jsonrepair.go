// Package jsonrepair implements the tolerant JSON parsing strategy used
// for every LLM response in the engine: code-fence stripping, a strict
// parse attempt, and a tolerant repair pass (balanced bracket
// extraction, then comment/trailing-comma cleanup) per SPEC_FULL.md §4.2.
package jsonrepair

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\n?(.*?)```")

// StripFences removes Markdown code-fence wrappers around any/no
// language tag, returning the innermost text if a fence is present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// Parse attempts to decode raw LLM output into v, trying in order:
//  1. fence stripping + strict JSON
//  2. a balanced-bracket extraction around the first '{' or '['
//  3. comment / trailing-comma cleanup on that extraction
//
// It returns false (with v left untouched) if no stage succeeds.
func Parse(raw string, v any) bool {
	text := StripFences(raw)

	if json.Unmarshal([]byte(text), v) == nil {
		return true
	}

	extracted := extractBalanced(text)
	if extracted == "" {
		return false
	}
	if json.Unmarshal([]byte(extracted), v) == nil {
		return true
	}

	cleaned := cleanup(extracted)
	return json.Unmarshal([]byte(cleaned), v) == nil
}

// extractBalanced returns the substring spanning the first '{' or '['
// to its matching close bracket, honoring string literals so brackets
// inside quoted text don't confuse the count.
func extractBalanced(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			start, open, close = i, '{', '}'
		case '[':
			start, open, close = i, '[', ']'
		default:
			continue
		}
		break
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var (
	lineCommentPattern  = regexp.MustCompile(`//[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// cleanup strips // and /* */ comments (outside of string literals is
// not guaranteed, but LLM output rarely nests comment markers in
// strings) and trailing commas before closing brackets.
func cleanup(s string) string {
	s = blockCommentPattern.ReplaceAllString(s, "")
	s = lineCommentPattern.ReplaceAllString(s, "")
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// NormalizeOp lowercases and replaces '-' with '_', the single closed-set
// normalizer used for every tagged-variant "op" field in the engine.
func NormalizeOp(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	op = strings.ReplaceAll(op, "-", "_")
	return op
}

// ExtractOperationsArray handles the long-term graph-edit program shape:
// the LLM response may be a single object, a bare JSON array, or an
// object containing an "operations" key.
func ExtractOperationsArray(raw string) ([]json.RawMessage, bool) {
	text := StripFences(raw)

	var arr []json.RawMessage
	if json.Unmarshal([]byte(text), &arr) == nil {
		return arr, true
	}

	var withKey struct {
		Operations []json.RawMessage `json:"operations"`
	}
	if json.Unmarshal([]byte(text), &withKey) == nil && withKey.Operations != nil {
		return withKey.Operations, true
	}

	var single json.RawMessage
	if json.Unmarshal([]byte(text), &single) == nil {
		trimmed := bytes.TrimSpace(single)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return []json.RawMessage{single}, true
		}
	}

	extracted := extractBalanced(text)
	if extracted == "" {
		return nil, false
	}
	cleaned := cleanup(extracted)

	if json.Unmarshal([]byte(cleaned), &arr) == nil {
		return arr, true
	}
	if json.Unmarshal([]byte(cleaned), &withKey) == nil && withKey.Operations != nil {
		return withKey.Operations, true
	}
	var obj map[string]any
	if json.Unmarshal([]byte(cleaned), &obj) == nil {
		return []json.RawMessage{json.RawMessage(cleaned)}, true
	}
	return nil, false
}
