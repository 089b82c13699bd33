package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/prompts"
)

// DefaultWindow is how many recent messages a conversation keeps live.
const DefaultWindow = 20

// minConsolidate is the fewest messages worth summarizing.
const minConsolidate = 5

// Consolidator folds old history into a memory fact once a
// conversation's live history grows past twice the window.
type Consolidator struct {
	store  *Store
	client llm.Client
	model  string
	window int
	logger *slog.Logger
}

// NewConsolidator creates a consolidator. window <= 0 selects
// DefaultWindow.
func NewConsolidator(store *Store, client llm.Client, model string, window int, logger *slog.Logger) *Consolidator {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		store:  store,
		client: client,
		model:  model,
		window: window,
		logger: logger.With("component", "consolidator"),
	}
}

// Window returns the number of messages kept live.
func (c *Consolidator) Window() int { return c.window }

// NeedsConsolidation reports whether live history exceeds twice the
// window.
func (c *Consolidator) NeedsConsolidation(ctx context.Context, convID string) (bool, error) {
	n, err := c.store.CountHistory(ctx, convID)
	if err != nil {
		return false, err
	}
	return n > 2*c.window, nil
}

// Consolidate summarizes everything older than the window, stores the
// summary as a memory fact, and marks the summarized messages compacted.
// It returns the summary, or "" when nothing was done. Summarization
// failures leave history untouched.
func (c *Consolidator) Consolidate(ctx context.Context, convID string) (string, error) {
	need, err := c.NeedsConsolidation(ctx, convID)
	if err != nil || !need {
		return "", err
	}

	stored, err := c.store.loadMessages(ctx, convID)
	if err != nil {
		return "", err
	}
	// The kept window starts at a user message so no exchange is split.
	cut := exchangeStart(stored, max(0, len(stored)-c.window))
	old := stored[:cut]
	if len(old) < minConsolidate {
		return "", nil
	}

	c.logger.Debug("consolidating history",
		"conversation", convID, "messages", len(old), "kept", len(stored)-cut)

	resp, err := c.client.Chat(ctx, c.model, []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.ConsolidationPrompt()},
		{Role: llm.RoleUser, Content: transcript(old)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(llm.StripThink(resp.Message.Content))
	if summary == "" {
		return "", fmt.Errorf("summarize: empty summary")
	}

	fact := Fact{
		ID:             newID(),
		ConversationID: convID,
		Kind:           FactMemory,
		Content:        formatSummary(old, summary),
		Source:         "consolidation",
		CreatedAt:      c.store.now().UTC(),
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := c.store.insertFact(ctx, tx, fact); err != nil {
		return "", err
	}
	for _, sm := range old {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET compacted = 1 WHERE id = ?`, sm.id); err != nil {
			return "", fmt.Errorf("mark compacted: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit consolidation: %w", err)
	}

	c.logger.Info("history consolidated",
		"conversation", convID, "compacted", len(old), "summary_len", len(summary))
	return summary, nil
}

// transcript renders messages as "role: content" lines, skipping empty
// content.
func transcript(msgs []storedMessage) string {
	var sb strings.Builder
	for _, sm := range msgs {
		if strings.TrimSpace(sm.msg.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", sm.msg.Role, sm.msg.Content)
	}
	return sb.String()
}

// formatSummary prefixes the summary with the period it covers.
func formatSummary(msgs []storedMessage, summary string) string {
	start, end := msgs[0].timestamp, msgs[len(msgs)-1].timestamp
	if start.IsZero() || end.IsZero() {
		return summary
	}
	return fmt.Sprintf("[Conversation summary %s to %s]\n%s",
		start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04"), summary)
}
