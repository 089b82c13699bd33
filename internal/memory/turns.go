package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/prompts"
)

// TurnStatus is the terminal state of an archived turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnAborted   TurnStatus = "aborted"
	// TurnBlocked is a turn stopped by a guardrail. It is archived but
	// never replayed.
	TurnBlocked TurnStatus = "blocked"
)

// TurnRecord is one archived turn.
type TurnRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Input          string          `json:"input"`
	Output         string          `json:"output,omitempty"`
	Status         TurnStatus      `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Steps          json.RawMessage `json:"steps,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`

	// Messages is the history a completed turn adds: the user input,
	// assistant tool-call messages with their results, and the final
	// reply. Not stored with the archive row.
	Messages []llm.Message `json:"-"`
}

// replay returns the messages a finished turn contributes to history.
func (r TurnRecord) replay() []llm.Message {
	switch r.Status {
	case TurnCompleted:
		return r.Messages
	case TurnAborted:
		return []llm.Message{
			{Role: llm.RoleUser, Content: r.Input},
			{Role: llm.RoleAssistant, Content: prompts.AbortedMarker(r.Reason)},
		}
	default:
		return nil
	}
}

// CommitTurn archives a finished turn and appends its history in one
// transaction. Aborted turns are replayed as the user input followed by
// an aborted marker; blocked turns leave history untouched.
func (s *Store) CommitTurn(ctx context.Context, rec TurnRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = s.now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.touchConversation(ctx, tx, rec.ConversationID); err != nil {
		return err
	}

	var steps sql.NullString
	if len(rec.Steps) > 0 {
		steps = sql.NullString{String: string(rec.Steps), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, input, output, status, reason, steps, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ConversationID, rec.Input, rec.Output, string(rec.Status), rec.Reason, steps,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt)); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	for _, m := range rec.replay() {
		if err := s.insertMessage(ctx, tx, rec.ConversationID, rec.ID, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	s.logger.Debug("turn archived",
		"conversation", rec.ConversationID, "turn", rec.ID, "status", rec.Status)
	return nil
}

// Turns lists archived turns for a conversation, newest first.
func (s *Store) Turns(ctx context.Context, convID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, input, output, status, reason, steps, started_at, finished_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var (
			r                 TurnRecord
			output, reason    sql.NullString
			steps             sql.NullString
			status            string
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Input, &output, &status, &reason,
			&steps, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		r.Output = output.String
		r.Reason = reason.String
		r.Status = TurnStatus(status)
		if steps.Valid {
			r.Steps = json.RawMessage(steps.String)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
