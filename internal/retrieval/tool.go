package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/rotbot/internal/tools"
)

// DefaultMaxChars bounds the text knowledge_search returns.
const DefaultMaxChars = 3000

// Tool returns the knowledge_search tool backed by s.
func Tool(s Searcher, maxChars int) *tools.LocalTool {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Keywords to search for",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Number of passages to return (default 5)",
			},
		},
		"required": []string{"query"},
	}
	return tools.NewLocal("knowledge_search",
		"Search the local knowledge base for passages relevant to a query. Use this when the user asks about material in their notes or documents.",
		params,
		func(_ context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			k := 5
			if v, ok := args["top_k"].(float64); ok && v > 0 {
				k = int(v)
			}
			return FormatHits(query, s.Search(query, k), maxChars), nil
		})
}

// FormatHits renders hits as a context block, truncating to maxChars.
func FormatHits(query string, hits []Hit, maxChars int) string {
	if len(hits) == 0 {
		return "No relevant documents found for: " + query
	}
	var sb strings.Builder
	sb.WriteString("--- Relevant Context (from knowledge base) ---\n")
	used := 0
	for i, h := range hits {
		text := h.Text
		if used+len(text) > maxChars {
			remaining := maxChars - used
			if remaining <= 100 {
				break
			}
			text = strings.ToValidUTF8(text[:remaining], "") + "..."
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]\n%s", h.Source, text)
		used += len(text)
		if used >= maxChars {
			break
		}
	}
	sb.WriteString("\n--- End Context ---")
	return sb.String()
}
