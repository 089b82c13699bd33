package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one MCP server. Implementations
// correlate responses by id and must allow concurrent calls.
type Transport interface {
	// Call sends a request and returns its raw result. A JSON-RPC error
	// response is returned as a *jsonrpc.RPCError.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// NotifyFunc receives server-initiated notifications such as
// notifications/tools/list_changed.
type NotifyFunc func(method string, params json.RawMessage)
