// Package jsonx provides thin wrappers around encoding/json and some fast-path helpers.
package jsonx

// Thin wrapper to centralize JSON usage and allow future drop-in acceleration.
// Currently uses the Go stdlib to avoid platform/toolchain issues.

import (
	stdjson "encoding/json"
)

// RawMessage is a raw encoded JSON value, re-exported so callers do not
// import encoding/json next to this package.
type RawMessage = stdjson.RawMessage

// Marshal encodes v into JSON using the standard library.
func Marshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

// Unmarshal decodes JSON data into v using the standard library.
func Unmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}

// GetTopLevelString returns the top-level string value for a key if it exists and is a string.
// Stdlib implementation for maximum compatibility.
func GetTopLevelString(data []byte, key string) (string, bool) {
	var m map[string]any
	if err := stdjson.Unmarshal(data, &m); err != nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsLikelyJSONBytes checks if data appears to be a JSON value (cheap heuristic).
func IsLikelyJSONBytes(b []byte) bool {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\n', '\r', '\t':
			i++
		default:
			goto CHECK
		}
	}
CHECK:
	if i >= len(b) {
		return false
	}
	switch b[i] {
	case '{', '[', '"', 't', 'f', 'n':
		return true
	default:
		return b[i] >= '0' && b[i] <= '9'
	}
}
