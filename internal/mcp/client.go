package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/reddit-agent/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo identifies the executor, as reported in its initialize
// response.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
}

// initializeResult is the part of the initialize response we read.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// Client speaks the MCP tool protocol to one executor over a
// [Transport]. Round trips are serialized so that at most one request
// is outstanding; it is safe for concurrent use.
type Client struct {
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	// callMu is held for a whole send/receive round trip.
	callMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	server      ServerInfo
}

// NewClient creates a client that talks over transport. The transport
// is started by Initialize.
func NewClient(transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		logger:    logger,
	}
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo returns the executor identity recorded during Initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Initialize starts the transport and performs the MCP handshake: an
// initialize request, which must be answered with a non-empty result
// object, followed by the notifications/initialized notification.
// Calling Initialize on an initialized client does nothing.
func (c *Client) Initialize(ctx context.Context) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.Initialized() {
		return nil
	}

	if err := c.transport.Start(ctx); err != nil {
		return err
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.Name,
			"version": buildinfo.Version,
		},
	}

	resp, err := c.roundTrip(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if resp.HasError() || !isNonEmptyObject(resp.Result) {
		return &InitializationError{Response: resp.Raw}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		// serverInfo is informational; a result with unexpected
		// member types is still a successful handshake.
		c.logger.Debug("unrecognized initialize result", "error", err)
	}
	result.ServerInfo.ProtocolVersion = result.ProtocolVersion

	if err := c.transport.Send(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.server = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("executor initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// CallTool invokes a tool and returns the text of the first content
// block of its result. The text is usually a JSON document that the
// caller decodes. A result with no content, or whose first block has
// no text, yields the empty string.
//
// An error member in the reply, or a result flagged isError, is
// returned as a *ToolInvocationError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if !c.Initialized() {
		return "", ErrNotInitialized
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.roundTrip(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	if resp.HasError() {
		tie := &ToolInvocationError{Tool: name, Payload: resp.Error}
		if rpcErr := resp.RPCError(); rpcErr != nil {
			tie.Code = rpcErr.Code
			tie.Message = rpcErr.Message
		}
		return "", tie
	}
	if !resp.HasResult() {
		return "", newMalformed(resp.Raw, "reply has neither result nor error")
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.logger.Debug("tools/call result is not a content object",
			"tool", name,
			"error", err,
		)
		return "", nil
	}

	text := firstText(result.Content)
	if result.IsError {
		return "", &ToolInvocationError{Tool: name, Payload: resp.Result, Message: text}
	}

	c.logger.Debug("tool call completed", "tool", name, "bytes", len(text))
	return text, nil
}

// ListTools calls tools/list and returns the executor's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	return result.Tools, nil
}

// Ping checks whether the executor is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the transport. It is safe to call on a client that
// was never initialized, and it does not wait for an in-flight call:
// closing the transport unblocks it.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	c.logger.Debug("closing executor client")
	return c.transport.Close()
}

// call performs an initialized round trip for a non-tool method and
// returns its result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.Initialized() {
		return nil, ErrNotInitialized
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	resp, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.HasError() {
		return nil, fmt.Errorf("%s: %w", method, resp.RPCError())
	}
	if !resp.HasResult() {
		return nil, newMalformed(resp.Raw, "reply has neither result nor error")
	}
	return resp.Result, nil
}

// roundTrip sends one request and waits for its reply. Messages the
// server initiates while we wait are logged and skipped. A reply with
// a null id is taken as the answer to the outstanding request, since
// only one can be outstanding. Caller must hold c.callMu.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	if err := c.transport.Send(ctx, NewRequest(id, method, params)); err != nil {
		return nil, err
	}

	for {
		resp, err := c.transport.Receive(ctx)
		if err != nil {
			return nil, err
		}

		if resp.IsServerMessage() {
			c.logger.Debug("skipping server message",
				"method", resp.Method,
				"awaiting_id", id,
			)
			continue
		}

		if resp.ID != nil && *resp.ID != id {
			return nil, &CorrelationError{Want: id, Got: *resp.ID}
		}
		if resp.HasResult() && resp.HasError() {
			return nil, newMalformed(resp.Raw, "reply has both result and error")
		}
		return resp, nil
	}
}

// isNonEmptyObject reports whether raw is a JSON object with at least
// one member.
func isNonEmptyObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return len(obj) > 0
}

// firstText returns the text of the first content block, or "" when
// there is none.
func firstText(blocks []ContentBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	return blocks[0].Text
}
