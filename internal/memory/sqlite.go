// Package memory persists conversation history, long-term facts, and
// the archive of finished turns in SQLite.
//
// History is what the context builder replays to the model. Facts are
// short excerpts surfaced in the system prompt: "memory" facts come from
// consolidation and the agent, "user" facts from the remember tool.
// Turns are the audit record of every turn, including the ones that
// failed.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/rotbot/internal/llm"
)

// Store is a SQLite-backed memory store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a store using an existing database connection.
// The caller keeps ownership of db only until Close.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "memory"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- History replayed to the model. Ordered by rowid.
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		turn_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		timestamp TEXT NOT NULL,
		compacted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, compacted);

	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_conversation ON facts(conversation_id, kind);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		steps TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func newID() string {
	id, _ := uuid.NewV7()
	return id.String()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) touchConversation(ctx context.Context, ex execer, id string) error {
	now := formatTime(s.now())
	if _, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if _, err := ex.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, id); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (s *Store) insertMessage(ctx context.Context, ex execer, convID, turnID string, m llm.Message) error {
	var toolCalls sql.NullString
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, turn_id, role, content, tool_calls, tool_call_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, newID(), convID, turnID, m.Role, m.Content, toolCalls,
		sql.NullString{String: m.ToolCallID, Valid: m.ToolCallID != ""},
		formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendMessages adds messages to a conversation's history.
func (s *Store) AppendMessages(ctx context.Context, convID string, msgs ...llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.touchConversation(ctx, tx, convID); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := s.insertMessage(ctx, tx, convID, "", m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// storedMessage is a history row with its identity.
type storedMessage struct {
	id        string
	msg       llm.Message
	timestamp time.Time
}

func (s *Store) loadMessages(ctx context.Context, convID string) ([]storedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, timestamp
		FROM messages
		WHERE conversation_id = ? AND compacted = 0
		ORDER BY rowid ASC
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []storedMessage
	for rows.Next() {
		var (
			sm         storedMessage
			toolCalls  sql.NullString
			toolCallID sql.NullString
			ts         string
		)
		if err := rows.Scan(&sm.id, &sm.msg.Role, &sm.msg.Content, &toolCalls, &toolCallID, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &sm.msg.ToolCalls); err != nil {
				s.logger.Warn("dropping unreadable tool calls",
					"conversation", convID, "message", sm.id, "error", err)
			}
		}
		sm.msg.ToolCallID = toolCallID.String
		sm.timestamp = parseTime(ts)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// History returns up to limit of the newest live messages, oldest
// first. A limit of zero or less returns everything. The window never
// starts in the middle of an exchange: leading assistant and tool
// messages are skipped so the first message is from the user.
func (s *Store) History(ctx context.Context, convID string, limit int) ([]llm.Message, error) {
	stored, err := s.loadMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	start := 0
	if limit > 0 && len(stored) > limit {
		start = len(stored) - limit
	}
	start = exchangeStart(stored, start)

	out := make([]llm.Message, 0, len(stored)-start)
	for _, sm := range stored[start:] {
		out = append(out, sm.msg)
	}
	return out, nil
}

// exchangeStart advances i to the next user message.
func exchangeStart(msgs []storedMessage, i int) int {
	for i < len(msgs) && msgs[i].msg.Role != llm.RoleUser {
		i++
	}
	return i
}

// CountHistory returns the number of live (uncompacted) messages.
func (s *Store) CountHistory(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND compacted = 0
	`, convID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Clear drops a conversation's history. Facts and archived turns are
// kept.
func (s *Store) Clear(ctx context.Context, convID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	s.logger.Info("conversation history cleared", "conversation", convID)
	return nil
}
