package extractor

import (
	"encoding/json"
	"strings"
)

// decodeJSON tries to unmarshal text into v, first as-is, then after
// slicing out the first balanced JSON object or array. Generators wrap
// their JSON in prose and markdown fences often enough that the recovery
// path is the common one.
func decodeJSON(text string, v interface{}) bool {
	trimmed := strings.TrimSpace(stripFences(text))
	if json.Unmarshal([]byte(trimmed), v) == nil {
		return true
	}
	if obj := extractBalanced(trimmed); obj != "" {
		return json.Unmarshal([]byte(obj), v) == nil
	}
	return false
}

// stripFences removes a markdown code fence wrapper when present.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	t = strings.TrimPrefix(t, "```")
	// Drop the language tag on the opening fence line.
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return t
}

// extractBalanced returns the first balanced {...} or [...] in text,
// counting braces outside string literals. Empty when none closes.
func extractBalanced(text string) string {
	start := -1
	var open, close rune
	for i, r := range text {
		if r == '{' || r == '[' {
			start = i
			open = r
			close = '}'
			if r == '[' {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i, r := range text[start:] {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == open:
			depth++
		case r == close:
			depth--
			if depth == 0 {
				return text[start : start+i+1]
			}
		}
	}
	return ""
}
