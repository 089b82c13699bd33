// Package mcp implements MCP (Model Context Protocol) client support,
// letting rotbot connect to external tool servers and expose their
// tools to the agent loop.
//
// MCP is JSON-RPC 2.0. Three transports are supported: stdio
// (subprocess), streamable HTTP, and websocket. Stdio and websocket
// share the jsonrpc package's connection, which keeps a pending map
// keyed by request id so calls run concurrently and a cancelled call
// never disturbs the others or the server process.
//
// Discovered tools become [RemoteTool] values satisfying tools.Tool and
// are named mcp_<server>_<tool>. The [Manager] keeps the servers
// healthy and republishes the tool snapshot as they come and go.
//
// Only the client side is implemented.
package mcp
