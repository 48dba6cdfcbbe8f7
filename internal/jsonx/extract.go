// Package jsonx pulls JSON values out of model output that may wrap them in
// prose or code fences.
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned when no candidate value exists in the text.
var ErrNotFound = errors.New("jsonx: no JSON value found")

// Object decodes the first JSON object in text into v. The whole text is
// tried first, then the span from the first '{' to the last '}'.
func Object(text string, v any) error {
	return decode(text, '{', '}', v)
}

// Array decodes the first bracketed JSON array in text into v.
func Array(text string, v any) error {
	return decode(text, '[', ']', v)
}

// Strings extracts a JSON array of strings, dropping blank entries.
// Any failure yields an empty, non-nil slice.
func Strings(text string) []string {
	var raw []string
	if err := Array(text, &raw); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decode(text string, open, close byte, v any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNotFound
	}
	if text[0] == open {
		if err := json.Unmarshal([]byte(text), v); err == nil {
			return nil
		}
	}

	start := strings.IndexByte(text, open)
	if start < 0 {
		return ErrNotFound
	}
	end := strings.LastIndexByte(text, close)
	if end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), v); err == nil {
			return nil
		}
	}

	// Fall back to the shortest balanced span so trailing prose containing
	// the closing byte does not spoil the parse.
	span, ok := balanced(text[start:], open, close)
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal([]byte(span), v)
}

func balanced(s string, open, close byte) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
				return s[:i+1], true
			}
		}
	}
	return "", false
}
