package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/rotbot/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "web_fetch"

// NewTool exposes f as the web_fetch tool.
func NewTool(f *Fetcher) *tools.LocalTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The page to fetch. https:// is assumed when no scheme is given.",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum characters of page text to return (default %d).", DefaultMaxChars),
			},
		},
		"required": []string{"url"},
	}
	return tools.NewLocal(ToolName, "Fetch a web page and return its readable text.", params,
		func(ctx context.Context, args map[string]any) (string, error) {
			rawURL, _ := args["url"].(string)
			maxChars := 0
			if n, ok := args["max_chars"].(float64); ok {
				maxChars = int(n)
			}
			page, err := f.Fetch(ctx, rawURL, maxChars)
			if err != nil {
				return "", err
			}
			return page.Format(), nil
		}).WithTimeout(DefaultTimeout + 5*time.Second)
}

// Format renders the page for the model.
func (p *Page) Format() string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
	}
	fmt.Fprintf(&b, "URL: %s\n\n%s", p.URL, p.Text)
	if p.Truncated {
		b.WriteString("\n\n[truncated]")
	}
	return b.String()
}
