package genai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MalformedResponseError indicates a model response that could not be parsed
// into the expected structured form. Raw carries the original text so callers
// can decide on a fallback.
type MalformedResponseError struct {
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %s", e.Reason)
}

// ParsedResponse is a decoded structured model response with typed accessors.
type ParsedResponse map[string]interface{}

// String returns the string value for key, or "" if absent or not a string.
func (p ParsedResponse) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean value for key. String forms of true/false are
// accepted because some models quote boolean fields.
func (p ParsedResponse) Bool(key string) (bool, bool) {
	switch v := p[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

// Has reports whether key is present with a non-null value.
func (p ParsedResponse) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Extract parses the first JSON object embedded in raw model output and checks
// that every required field is present. Models frequently wrap the object in
// markdown fences or surround it with prose, so the extractor looks inside
// fenced code blocks first and falls back to a balanced-brace scan over the
// whole text.
func Extract(raw string, required []string) (ParsedResponse, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &MalformedResponseError{Reason: "empty response", Raw: raw}
	}

	candidate := fencedBlock(trimmed)
	if candidate == "" {
		candidate = trimmed
	}
	objText, ok := balancedObject(candidate)
	if !ok && candidate != trimmed {
		objText, ok = balancedObject(trimmed)
	}
	if !ok {
		return nil, &MalformedResponseError{Reason: "no JSON object found", Raw: raw}
	}

	var parsed ParsedResponse
	if err := json.Unmarshal([]byte(objText), &parsed); err != nil {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}

	var missing []string
	for _, field := range required {
		if !parsed.Has(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &MalformedResponseError{
			Reason: fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")),
			Raw:    raw,
		}
	}
	return parsed, nil
}

// fencedBlock returns the content of the first markdown code fence, or "" if
// the text has none. A language tag after the opening fence is skipped.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isLanguageTag(firstLine) {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// balancedObject scans s for the first top-level JSON object, honoring string
// literals and escape sequences, and returns the matching substring.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
