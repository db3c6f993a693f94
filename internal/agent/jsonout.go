package agent

import (
	"errors"
	"strings"
)

// ErrNoJSONObject is returned when a response holds no balanced JSON object.
var ErrNoJSONObject = errors.New("response contains no JSON object")

// ExtractJSON strips markdown fences and returns the first balanced JSON object in raw.
func ExtractJSON(raw string) (string, error) {
	s := stripFences(strings.TrimSpace(raw))
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end := matchBrace(s, start); end > 0 {
			return s[start : end+1], nil
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSONObject
}

func stripFences(s string) string {
	fence := strings.Index(s, "```")
	if fence < 0 {
		return s
	}
	body := s[fence+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		// Drop a language tag such as "json" on the fence line.
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	if !strings.Contains(body, "{") {
		return s
	}
	return body
}

// matchBrace returns the index of the brace closing the object opened at start, or -1.
func matchBrace(s string, start int) int {
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
				return i
			}
		}
	}
	return -1
}
