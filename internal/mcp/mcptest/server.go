// Package mcptest provides a fake MCP tool executor for tests.
//
// A [Server] answers initialize, ping, tools/list and tools/call over
// any pair of streams. [Server.Transport] connects it to an
// [mcp.PipeTransport] in memory; [Server.Serve] can also run it behind
// real stdin/stdout in a helper subprocess.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/reddit-agent/internal/mcp"
)

// ToolFunc handles one tools/call. The returned text becomes the first
// content block. Returning an *mcp.RPCError produces a JSON-RPC error
// reply; any other error produces a result flagged isError.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Call records one tools/call received by the server.
type Call struct {
	ID   int64
	Tool string
	Args map[string]any
}

// Server is a scripted tool executor.
type Server struct {
	// Notify makes the server emit a notifications/message before
	// every tools/call reply.
	Notify bool

	// InitResult replaces the initialize result when non-nil. Use
	// json.RawMessage("{}") to simulate a rejecting executor.
	InitResult json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	tools       map[string]ToolFunc
	calls       []Call
	connections int
	initialized int
}

// NewServer returns a server with no tools registered.
func NewServer() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:    ctx,
		cancel: cancel,
		tools:  make(map[string]ToolFunc),
	}
}

// Handle registers fn for tool name.
func (s *Server) Handle(name string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = fn
}

// HandleText registers a tool that always returns text.
func (s *Server) HandleText(name, text string) {
	s.Handle(name, func(context.Context, map[string]any) (string, error) {
		return text, nil
	})
}

// HandleJSON registers a tool that returns v encoded as JSON text.
func (s *Server) HandleJSON(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.HandleText(name, string(data))
}

// Calls returns the tool calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Connections returns how many times Serve has been entered.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Initialized returns how many notifications/initialized were received.
func (s *Server) Initialized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Close cancels the context passed to in-flight tool handlers.
func (s *Server) Close() {
	s.cancel()
}

// Transport starts Serve on a fresh in-memory connection and returns
// the client end.
func (s *Server) Transport(logger *slog.Logger) *mcp.PipeTransport {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		_ = s.Serve(reqR, respW)
		respW.Close()
		reqR.Close()
	}()

	return mcp.NewPipeTransport(respR, reqW, logger)
}

// incoming is a request or notification read by the server.
type incoming struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Serve answers requests read from r until r ends.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		var msg incoming
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return err
		}
		if msg.ID == nil {
			if msg.Method == "notifications/initialized" {
				s.mu.Lock()
				s.initialized++
				s.mu.Unlock()
			}
			continue
		}

		for _, reply := range s.dispatch(*msg.ID, msg.Method, msg.Params) {
			if err := enc.Encode(reply); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// dispatch builds the lines written in answer to one request.
func (s *Server) dispatch(id int64, method string, params json.RawMessage) []any {
	switch method {
	case "initialize":
		result := s.InitResult
		if result == nil {
			result = json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"mcptest","version":"0.0.1"}}`)
		}
		return []any{reply(id, result, nil)}

	case "ping":
		return []any{reply(id, json.RawMessage(`{}`), nil)}

	case "tools/list":
		s.mu.Lock()
		names := make([]string, 0, len(s.tools))
		for name := range s.tools {
			names = append(names, name)
		}
		s.mu.Unlock()
		sort.Strings(names)

		tools := make([]mcp.ToolDefinition, 0, len(names))
		for _, name := range names {
			tools = append(tools, mcp.ToolDefinition{
				Name:        name,
				InputSchema: map[string]any{"type": "object"},
			})
		}
		return []any{reply(id, map[string]any{"tools": tools}, nil)}

	case "tools/call":
		return s.callTool(id, params)

	default:
		return []any{reply(id, nil, &mcp.RPCError{Code: -32601, Message: "Method not found: " + method})}
	}
}

func (s *Server) callTool(id int64, params json.RawMessage) []any {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return []any{reply(id, nil, &mcp.RPCError{Code: -32602, Message: err.Error()})}
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{ID: id, Tool: p.Name, Args: p.Arguments})
	fn, ok := s.tools[p.Name]
	s.mu.Unlock()

	var out []any
	if s.Notify {
		out = append(out, map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/message",
			"params":  map[string]any{"level": "info", "data": "calling " + p.Name},
		})
	}

	if !ok {
		return append(out, reply(id, nil, &mcp.RPCError{Code: -32602, Message: "Unknown tool: " + p.Name}))
	}

	text, err := fn(s.ctx, p.Arguments)
	var rpcErr *mcp.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return append(out, reply(id, nil, rpcErr))
	case err != nil:
		return append(out, reply(id, map[string]any{
			"content": []mcp.ContentBlock{{Type: "text", Text: err.Error()}},
			"isError": true,
		}, nil))
	}
	return append(out, reply(id, map[string]any{
		"content": []mcp.ContentBlock{{Type: "text", Text: text}},
	}, nil))
}

func reply(id int64, result any, rpcErr *mcp.RPCError) map[string]any {
	m := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		m["error"] = rpcErr
	} else {
		m["result"] = result
	}
	return m
}
