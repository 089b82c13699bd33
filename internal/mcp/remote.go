package mcp

import (
	"context"
	"time"

	"github.com/nugget/rotbot/internal/tools"
)

// RemoteTool proxies a tool hosted by an MCP server. It satisfies
// tools.Tool, so the executor treats it exactly like a local tool.
type RemoteTool struct {
	client     *Client
	remoteName string
	spec       tools.Spec
}

// NewRemoteTool wraps def from client under its namespaced name. A
// positive timeout overrides the executor default for this tool.
func NewRemoteTool(client *Client, def ToolDefinition, timeout time.Duration) *RemoteTool {
	schema := def.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &RemoteTool{
		client:     client,
		remoteName: def.Name,
		spec: tools.Spec{
			Name:        ToolName(client.Name(), def.Name),
			Description: def.Description,
			Parameters:  schema,
			Timeout:     timeout,
		},
	}
}

// Spec implements tools.Tool.
func (t *RemoteTool) Spec() tools.Spec { return t.spec }

// Validate checks arguments against the server-declared input schema
// before anything is sent over the wire.
func (t *RemoteTool) Validate(args map[string]any) error {
	return tools.ValidateArgs(t.spec.Name, t.spec.Parameters, args)
}

// Invoke calls the tool on the server. When ctx ends first the call is
// abandoned and the server's eventual reply is discarded; the
// connection stays up.
func (t *RemoteTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return t.client.CallTool(ctx, t.remoteName, args)
}

// RemoteName returns the tool's name on the server.
func (t *RemoteTool) RemoteName() string { return t.remoteName }
