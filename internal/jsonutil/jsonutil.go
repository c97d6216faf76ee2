// Package jsonutil provides common JSON helper functions, used by the
// artifact store.
package jsonutil

import (
	"encoding/json"
)

// MustJSON marshals v to a JSON string, returning "{}" on a nil input and
// an empty string if marshaling fails.
func MustJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// MustMarshalIndent marshals v to a pretty-printed JSON string.
func MustMarshalIndent(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseJSON parses a JSON string into a generic map, returning nil on
// failure rather than an error, for callers that treat malformed input as
// absent rather than fatal (e.g. judge output parsing).
func ParseJSON(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// DecodeArtifact unmarshals an artifact file into v. Unknown fields are
// ignored on read (a forward-compatible reader tolerates a newer writer's
// added fields); the "unknown fields forbidden on write" half of the
// contract is enforced structurally, since every artifact is written from
// a typed struct that can't emit fields it doesn't declare.
func DecodeArtifact(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
