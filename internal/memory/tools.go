package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/rotbot/internal/tools"
)

// RememberTool lets the model store a durable fact about the user. The
// fact is scoped to the conversation the call runs in.
func RememberTool(store *Store) *tools.LocalTool {
	return tools.NewLocal("remember_fact",
		"Store a durable fact about the user (a preference, name, or standing instruction) so it is available in future conversations. Use sparingly and only for information the user would expect you to remember.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fact": map[string]any{
					"type":        "string",
					"description": "The fact to remember, as one short sentence.",
				},
			},
			"required": []string{"fact"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["fact"].(string)
			text = strings.TrimSpace(text)
			if text == "" {
				return "", fmt.Errorf("fact is required")
			}
			f, err := store.AddFact(ctx, Fact{
				ConversationID: tools.ConversationIDFromContext(ctx),
				Kind:           FactUser,
				Content:        text,
				Source:         "remember_fact",
			})
			if err != nil {
				return "", err
			}
			return "Remembered: " + f.Content, nil
		})
}
