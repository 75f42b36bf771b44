// Package streamparser extracts complete JSON objects from a growing text
// buffer of concatenated object literals with no delimiters between them.
//
// The scanner counts brace depth and tracks string state, so braces inside
// JSON string literals (including escaped quotes) do not move object
// boundaries. Characters outside any object, including stray closing braces,
// are skipped.
package streamparser

import (
	"encoding/json"
	"strings"
)

// MalformedFunc receives a brace-balanced candidate that failed to decode.
type MalformedFunc func(raw string, err error)

// Extract decodes every complete top-level object in buffer into T, calling
// onObject once per object in left-to-right order, and returns the text that
// follows the last closed object. A remainder that is only whitespace is
// returned as "". When buffer holds no complete object it is returned as is.
// Candidates that fail to decode are dropped and scanning continues.
func Extract[T any](buffer string, onObject func(T)) string {
	return ExtractFunc(buffer, onObject, nil)
}

// ExtractFunc is Extract with a hook for dropped candidates. onMalformed may
// be nil.
func ExtractFunc[T any](buffer string, onObject func(T), onMalformed MalformedFunc) string {
	var (
		depth    int
		start    int
		consumed int
		inString bool
		escaped  bool
	)

	// Byte-wise scanning is safe for UTF-8 input: '{', '}', '"' and '\\'
	// never occur inside a multi-byte sequence.
	for i := 0; i < len(buffer); i++ {
		c := buffer[i]

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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth > 0 {
				continue
			}

			candidate := buffer[start : i+1]
			consumed = i + 1

			var v T
			if err := json.Unmarshal([]byte(candidate), &v); err != nil {
				if onMalformed != nil {
					onMalformed(candidate, err)
				}
				continue
			}
			onObject(v)
		}
	}

	rest := buffer[consumed:]
	if strings.TrimSpace(rest) == "" {
		return ""
	}
	return rest
}
