package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Response is any JSON-RPC 2.0 message read from the executor. A reply
// to one of our requests carries ID and exactly one of Result or Error.
// Messages the server initiates carry Method instead and are not
// replies.
//
// Result and Error are kept verbatim so error payloads can be handed to
// callers exactly as the executor sent them.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`

	// Raw is the complete line the message was decoded from.
	Raw json.RawMessage `json:"-"`
}

// IsServerMessage reports whether the message was initiated by the
// server (a notification or request) rather than being a reply.
func (r *Response) IsServerMessage() bool {
	return r.Method != ""
}

// HasResult reports whether a result member is present. An explicit
// null result counts as present.
func (r *Response) HasResult() bool {
	return len(r.Result) > 0
}

// HasError reports whether a non-null error member is present.
func (r *Response) HasError() bool {
	return len(r.Error) > 0 && !bytes.Equal(bytes.TrimSpace(r.Error), []byte("null"))
}

// RPCError decodes the error member. Executors do not always follow the
// JSON-RPC error shape, so decoding is best effort: a payload that is
// not an object still yields an RPCError whose Message is the raw text.
func (r *Response) RPCError() *RPCError {
	if !r.HasError() {
		return nil
	}
	var e RPCError
	if err := json.Unmarshal(r.Error, &e); err != nil {
		return &RPCError{Message: string(r.Error)}
	}
	return &e
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
