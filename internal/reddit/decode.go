package reddit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// decodePrefixLen bounds how much of an undecodable payload is kept.
const decodePrefixLen = 100

// PayloadDecodeError reports tool output that is not the JSON document
// the tool promises. Prefix holds the start of the text. The executor
// reports its own failures as plain "Error: ..." text, so Prefix is
// usually the human-readable reason.
type PayloadDecodeError struct {
	Tool   string
	Prefix string
	Err    error
}

func (e *PayloadDecodeError) Error() string {
	if e.Prefix == "" {
		return fmt.Sprintf("%s: empty response from executor", e.Tool)
	}
	return fmt.Sprintf("%s: invalid JSON response: %s", e.Tool, e.Prefix)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }

// errEmptyPayload is the cause recorded for an empty tool response.
var errEmptyPayload = errors.New("empty payload")

// Decode parses tool output into T. Empty or whitespace-only text, and
// a bare null, are errors, never an empty value.
func Decode[T any](tool, text string) (*T, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &PayloadDecodeError{Tool: tool, Err: errEmptyPayload}
	}
	if trimmed == "null" {
		return nil, &PayloadDecodeError{Tool: tool, Prefix: trimmed, Err: errEmptyPayload}
	}

	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, &PayloadDecodeError{Tool: tool, Prefix: prefix(text, decodePrefixLen), Err: err}
	}
	return &v, nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
