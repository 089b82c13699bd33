package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/rotbot/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeConfig selects which of a server's tools are exposed.
//   - If Include is non-empty, only tools whose MCP names appear in it are bridged.
//   - Otherwise tools named in Exclude are skipped.
type BridgeConfig struct {
	Include []string
	Exclude []string
	// Timeout applies to every bridged tool when positive.
	Timeout time.Duration
}

// Bridge discovers tools from an MCP client and wraps them as
// RemoteTools named "mcp_{server}_{tool}" so they cannot collide with
// local tools.
func Bridge(ctx context.Context, client *Client, cfg BridgeConfig, logger *slog.Logger) ([]tools.Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	includeSet := toSet(cfg.Include)
	excludeSet := toSet(cfg.Exclude)

	out := make([]tools.Tool, 0, len(defs))
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		rt := NewRemoteTool(client, td, cfg.Timeout)
		out = append(out, rt)

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool", rt.Spec().Name,
			"server", client.Name(),
		)
	}
	return out, nil
}

// ToolPrefix is the name prefix shared by every tool bridged from
// serverName.
func ToolPrefix(serverName string) string {
	return "mcp_" + sanitize(serverName) + "_"
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	return ToolPrefix(serverName) + sanitize(mcpToolName)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
