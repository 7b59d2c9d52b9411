package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned when a transport is used before Start or
	// after Close.
	ErrNotStarted = errors.New("transport not started")

	// ErrConnectionClosed is returned when the executor's output ends,
	// including when it ends partway through a line. A transport that
	// returned it must be restarted before further use.
	ErrConnectionClosed = errors.New("connection closed by executor")

	// ErrNotInitialized is returned when a tool is called before the
	// initialize handshake has succeeded.
	ErrNotInitialized = errors.New("client not initialized")
)

// malformedPrefixLen bounds how much of an offending line is kept in a
// MalformedResponseError.
const malformedPrefixLen = 200

// SpawnError reports that the executor process could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports that an envelope could not be delivered to the
// executor's stdin. Err is [ErrNotStarted] when the transport was not
// running.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to executor: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// MalformedResponseError reports a line from the executor that is not a
// JSON object, or a reply that violates the envelope rules. Prefix holds
// the start of the offending line.
type MalformedResponseError struct {
	Prefix string
	Reason string
}

func newMalformed(line []byte, reason string) *MalformedResponseError {
	return &MalformedResponseError{Prefix: truncate(line, malformedPrefixLen), Reason: reason}
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response (%s): %q", e.Reason, e.Prefix)
}

// InitializationError reports that the executor answered the initialize
// request without a usable result. Response is the raw reply line.
type InitializationError struct {
	Response json.RawMessage
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize rejected by executor: %s", truncate(e.Response, malformedPrefixLen))
}

// ToolInvocationError is an application-level failure reported by the
// executor for one tool call. It is distinct from transport failures:
// the connection is still healthy and the next call may succeed.
//
// Payload is the executor's error member verbatim, or the whole result
// when the executor flagged the result with isError. Code and Message
// are decoded from it on a best-effort basis.
type ToolInvocationError struct {
	Tool    string
	Payload json.RawMessage
	Code    int
	Message string
}

func (e *ToolInvocationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, string(e.Payload))
}

// CorrelationError reports a reply whose id does not match the request
// that is waiting for it.
type CorrelationError struct {
	Want int64
	Got  int64
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("response id %d does not match request id %d", e.Got, e.Want)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
