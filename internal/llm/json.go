package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrUnparseable means no repair step could turn the completion into the
// expected structure. The caller may regenerate at lower temperature.
var ErrUnparseable = errors.New("llm: completion not parseable as JSON")

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// DecodeLenient parses a model completion into v. Models wrap JSON in
// markdown fences or follow it with prose often enough that strict
// unmarshaling is useless; this applies progressively stricter
// normalization and reports how many repair steps it needed:
//
//	0: outermost JSON object as returned
//	1: markdown fences stripped first
//	2: hard trim to first '{' .. last '}' with trailing commas removed
func DecodeLenient(text string, v any) (int, error) {
	if obj, ok := outermostObject(text); ok {
		if json.Unmarshal([]byte(obj), v) == nil {
			return 0, nil
		}
	}

	stripped := stripFences(text)
	if obj, ok := outermostObject(stripped); ok {
		if json.Unmarshal([]byte(obj), v) == nil {
			return 1, nil
		}
	}

	if trimmed, ok := hardTrim(stripped); ok {
		if json.Unmarshal([]byte(trimmed), v) == nil {
			return 2, nil
		}
	}

	return 2, ErrUnparseable
}

// outermostObject returns the first balanced top-level {...} in text,
// tracking string literals so braces inside values do not miscount.
func outermostObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func stripFences(text string) string {
	out := text
	for _, fence := range []string{"```json", "```JSON", "```"} {
		out = strings.ReplaceAll(out, fence, "\n")
	}
	return out
}

// hardTrim cuts to the widest first-'{' .. last-'}' span and drops trailing
// commas, which recovers truncated-then-closed completions.
func hardTrim(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return trailingComma.ReplaceAllString(text[start:end+1], "$1"), true
}
