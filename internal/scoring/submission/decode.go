// Package submission normalizes agent submissions and traveler briefs into
// plain JSON values before any scorer reads them.
package submission

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotObject is returned for JSON that is not an object.
	ErrNotObject = errors.New("Submission must be a dictionary/object")
	// ErrEmpty is returned for a nil submission.
	ErrEmpty = errors.New("Submission is empty")
)

// Decode parses strings and byte slices, and round-trips every other value
// through JSON so scorers only ever see float64 numbers, []any and map[string]any.
func Decode(v any) (map[string]any, error) {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return nil, ErrEmpty
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	case json.RawMessage:
		raw = val
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, ErrNotObject
		}
		raw = encoded
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &SyntaxError{Err: err}
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// SyntaxError reports unparseable JSON input.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return "Invalid JSON: " + e.Err.Error() }

func (e *SyntaxError) Unwrap() error { return e.Err }

// DecodeValue parses a string holding JSON; anything else, or a string that is
// not JSON, is returned unchanged.
func DecodeValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := []byte(s)
	var out any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return v
	}
	return out
}
