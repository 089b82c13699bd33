package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FactKind separates what the agent learned from what it was told
// about the user.
type FactKind string

const (
	FactMemory FactKind = "memory"
	FactUser   FactKind = "user"
)

// Fact is one stored excerpt.
type Fact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Kind           FactKind  `json:"kind"`
	Content        string    `json:"content"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Append stores a memory fact for the conversation.
func (s *Store) Append(ctx context.Context, convID, fact string) error {
	_, err := s.AddFact(ctx, Fact{
		ConversationID: convID,
		Kind:           FactMemory,
		Content:        fact,
		Source:         "agent",
	})
	return err
}

// AddFact stores f, assigning its ID and timestamp.
func (s *Store) AddFact(ctx context.Context, f Fact) (*Fact, error) {
	f.Content = strings.TrimSpace(f.Content)
	if f.Content == "" {
		return nil, fmt.Errorf("empty fact")
	}
	if f.Kind == "" {
		f.Kind = FactMemory
	}
	f.ID = newID()
	f.CreatedAt = s.now().UTC()

	if err := s.insertFact(ctx, s.db, f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) insertFact(ctx context.Context, ex execer, f Fact) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO facts (id, conversation_id, kind, content, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, f.ConversationID, string(f.Kind), f.Content, f.Source, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// Recent returns the n newest memory facts for the conversation, newest
// first.
func (s *Store) Recent(ctx context.Context, convID string, n int) ([]string, error) {
	facts, err := s.Facts(ctx, convID, FactMemory, n)
	if err != nil {
		return nil, err
	}
	return contents(facts), nil
}

// UserFacts returns the n newest user facts, newest first.
func (s *Store) UserFacts(ctx context.Context, convID string, n int) ([]string, error) {
	facts, err := s.Facts(ctx, convID, FactUser, n)
	if err != nil {
		return nil, err
	}
	return contents(facts), nil
}

// Facts lists facts of one kind, newest first. n <= 0 means no limit.
func (s *Store) Facts(ctx context.Context, convID string, kind FactKind, n int) ([]Fact, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, content, source, created_at
		FROM facts
		WHERE conversation_id = ? AND kind = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, convID, string(kind), n)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var (
			f       Fact
			kindStr string
			source  *string
			created string
		)
		if err := rows.Scan(&f.ID, &f.ConversationID, &kindStr, &f.Content, &source, &created); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Kind = FactKind(kindStr)
		if source != nil {
			f.Source = *source
		}
		f.CreatedAt = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFact removes a fact by ID.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fact %s not found", id)
	}
	return nil
}

func contents(facts []Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.Content
	}
	return out
}
