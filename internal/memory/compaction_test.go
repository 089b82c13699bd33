package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nugget/rotbot/internal/llm"
)

type mockLLM struct {
	reply    string
	err      error
	calls    int
	messages []llm.Message
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, tools, nil)
}

func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, _ []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	m.calls++
	m.messages = msgs
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: llm.RoleAssistant, Content: m.reply}}, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func fillExchanges(t *testing.T, s *Store, convID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.AppendMessages(context.Background(), convID,
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("question %d", i)},
			llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
		)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestConsolidate_BelowThreshold(t *testing.T) {
	s := setupTestStore(t)
	client := &mockLLM{reply: "- summary"}
	c := NewConsolidator(s, client, "m", 4, nil)

	fillExchanges(t, s, "c", 4) // 8 messages == 2*window
	summary, err := c.Consolidate(context.Background(), "c")
	if err != nil || summary != "" {
		t.Fatalf("Consolidate = %q, %v; want no-op", summary, err)
	}
	if client.calls != 0 {
		t.Errorf("model called %d times below threshold", client.calls)
	}
}

func TestConsolidate_SummarizesOlderMessages(t *testing.T) {
	s := setupTestStore(t)
	client := &mockLLM{reply: "<think>hmm</think>- likes tea\n- lives in Oslo"}
	c := NewConsolidator(s, client, "m", 4, nil)
	ctx := context.Background()

	fillExchanges(t, s, "c", 6) // 12 messages > 8

	summary, err := c.Consolidate(ctx, "c")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if summary != "- likes tea\n- lives in Oslo" {
		t.Errorf("summary = %q", summary)
	}

	if len(client.messages) != 2 || client.messages[0].Role != llm.RoleSystem {
		t.Fatalf("prompt = %+v", client.messages)
	}
	transcript := client.messages[1].Content
	if !strings.Contains(transcript, "user: question 0") || strings.Contains(transcript, "question 4") {
		t.Errorf("transcript = %q", transcript)
	}

	n, _ := s.CountHistory(ctx, "c")
	if n != 4 {
		t.Errorf("live history = %d, want window of 4", n)
	}
	hist, _ := s.History(ctx, "c", 0)
	if hist[0].Content != "question 4" {
		t.Errorf("kept history starts at %q", hist[0].Content)
	}

	facts, _ := s.Facts(ctx, "c", FactMemory, 0)
	if len(facts) != 1 || facts[0].Source != "consolidation" || !strings.Contains(facts[0].Content, "likes tea") {
		t.Errorf("facts = %+v", facts)
	}
}

func TestConsolidate_KeepsExchangeTogether(t *testing.T) {
	s := setupTestStore(t)
	client := &mockLLM{reply: "summary"}
	c := NewConsolidator(s, client, "m", 5, nil)
	ctx := context.Background()

	fillExchanges(t, s, "c", 3)
	// A tool exchange that straddles the naive window boundary.
	_ = s.AppendMessages(ctx, "c",
		llm.Message{Role: llm.RoleUser, Content: "look it up"},
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1"}}},
		llm.Message{Role: llm.RoleTool, Content: "found", ToolCallID: "t1"},
		llm.Message{Role: llm.RoleAssistant, Content: "here it is"},
		llm.Message{Role: llm.RoleUser, Content: "thanks"},
		llm.Message{Role: llm.RoleAssistant, Content: "any time"},
	)

	if _, err := c.Consolidate(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	hist, _ := s.History(ctx, "c", 0)
	if len(hist) != 2 || hist[0].Content != "thanks" {
		t.Fatalf("kept history = %+v", hist)
	}
	if !strings.Contains(client.messages[1].Content, "tool: found") {
		t.Errorf("tool exchange missing from transcript: %q", client.messages[1].Content)
	}
}

func TestConsolidate_FailureLeavesHistory(t *testing.T) {
	s := setupTestStore(t)
	client := &mockLLM{err: errors.New("model down")}
	c := NewConsolidator(s, client, "m", 2, nil)
	ctx := context.Background()

	fillExchanges(t, s, "c", 4)
	if _, err := c.Consolidate(ctx, "c"); err == nil {
		t.Fatal("expected error")
	}
	if n, _ := s.CountHistory(ctx, "c"); n != 8 {
		t.Errorf("history count = %d, want 8", n)
	}
	if facts, _ := s.Recent(ctx, "c", 0); len(facts) != 0 {
		t.Errorf("facts = %v", facts)
	}
}
