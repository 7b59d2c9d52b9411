// Package mcp implements the client side of the MCP tool-calling
// protocol used to reach the Reddit tool executor.
//
// The executor runs as a subprocess and speaks JSON-RPC 2.0 over its
// stdin/stdout, one envelope per line. [StdioTransport] owns the process
// and the line framing; [Client] performs the initialize handshake and
// invokes tools with tools/call.
//
// The protocol is half-duplex: a Client keeps at most one request
// outstanding on its transport, and every response must carry the id of
// the request that preceded it.
package mcp
