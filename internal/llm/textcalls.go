package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

type textCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of using native tool calling. Recognized forms:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
//
// Calls naming a tool outside known are ignored; a nil known accepts
// any name.
func parseTextToolCalls(content string, known map[string]bool) []ToolCall {
	content = strings.TrimSpace(StripThink(content))
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		calls = []textCall{single}
	}

	var out []ToolCall
	for _, c := range calls {
		if c.Name == "" || (known != nil && !known[c.Name]) {
			continue
		}
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{Function: ToolFunction{Name: c.Name, Arguments: args}})
	}
	return out
}

// toolNames returns the set of function names in an OpenAI-format tool
// manifest, or nil when the manifest is empty.
func toolNames(tools []map[string]any) map[string]bool {
	if len(tools) == 0 {
		return nil
	}
	names := make(map[string]bool, len(tools))
	for _, t := range tools {
		if fn, ok := t["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				names[name] = true
			}
		}
	}
	return names
}

// recoverTextToolCalls converts content-embedded tool calls into native
// ones when the response has none. Only applies when tools were offered.
func recoverTextToolCalls(resp *ChatResponse, tools []map[string]any) {
	if len(tools) == 0 || len(resp.Message.ToolCalls) > 0 || resp.Message.Content == "" {
		return
	}
	if parsed := parseTextToolCalls(resp.Message.Content, toolNames(tools)); len(parsed) > 0 {
		for i := range parsed {
			parsed[i].ID = fmt.Sprintf("call_%d", i+1)
		}
		resp.Message.ToolCalls = parsed
		resp.Message.Content = ""
		resp.StopReason = "tool_calls"
	}
}
