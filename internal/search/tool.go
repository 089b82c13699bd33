package search

import (
	"context"
	"fmt"

	"github.com/nugget/rotbot/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "web_search"

// NewTool exposes mgr as the web_search tool. Results are returned as a
// numbered list, which models quote more reliably than JSON.
func NewTool(mgr *Manager) *tools.LocalTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Number of results (1-%d, default %d).", MaxCount, DefaultCount),
			},
			"language": map[string]any{
				"type":        "string",
				"description": "ISO 639-1 language code, e.g. en or de.",
			},
		},
		"required": []string{"query"},
	}
	return tools.NewLocal(ToolName, "Search the web and return titles, URLs and snippets.", params,
		func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			opts := Options{}
			if n, ok := args["count"].(float64); ok {
				opts.Count = int(n)
			}
			opts.Language, _ = args["language"].(string)

			results, err := mgr.Search(ctx, query, opts)
			if err != nil {
				return "", err
			}
			return FormatResults(results), nil
		})
}
