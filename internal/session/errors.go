package session

import (
	"context"
	"errors"

	"github.com/nugget/reddit-agent/internal/mcp"
	"github.com/nugget/reddit-agent/internal/reddit"
)

// Error kinds returned by ErrorKind.
const (
	KindTimeout         = "timeout"
	KindInvalidArgument = "invalid_argument"
	KindToolError       = "tool_error"
	KindDecode          = "decode_error"
	KindInitialization  = "initialization"
	KindUnavailable     = "unavailable"
	KindSpawn           = "spawn"
	KindProtocol        = "protocol"
	KindConnection      = "connection"
	KindCanceled        = "canceled"
	KindInternal        = "internal"
)

// ErrorKind classifies an error returned by a Session operation into a
// short stable label for logs, metrics and the call log. It returns ""
// for a nil error.
func ErrorKind(err error) string {
	var (
		iae *reddit.InvalidArgumentError
		pde *reddit.PayloadDecodeError
		tie *mcp.ToolInvocationError
		ie  *mcp.InitializationError
		se  *mcp.SpawnError
		mre *mcp.MalformedResponseError
		ce  *mcp.CorrelationError
		we  *mcp.WriteError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCallTimeout), errors.Is(err, ErrInitializeTimeout):
		return KindTimeout
	case errors.As(err, &iae):
		return KindInvalidArgument
	case errors.As(err, &tie):
		return KindToolError
	case errors.As(err, &pde):
		return KindDecode
	case errors.As(err, &ie):
		return KindInitialization
	case errors.Is(err, mcp.ErrNotInitialized), errors.Is(err, ErrClosed):
		return KindUnavailable
	case errors.As(err, &se):
		return KindSpawn
	case errors.As(err, &mre), errors.As(err, &ce):
		return KindProtocol
	case errors.Is(err, mcp.ErrConnectionClosed), errors.Is(err, mcp.ErrNotStarted), errors.As(err, &we):
		return KindConnection
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
