package llm

import (
	"context"
	"errors"
	"testing"
)

type recordingClient struct {
	name   string
	models []string
	err    error
}

func (r *recordingClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return r.ChatStream(ctx, model, messages, tools, nil)
}

func (r *recordingClient) ChatStream(_ context.Context, model string, _ []Message, _ []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	r.models = append(r.models, model)
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: r.name}}, nil
}

func (r *recordingClient) Ping(context.Context) error { return r.err }

func TestMultiClient_Routing(t *testing.T) {
	ollama := &recordingClient{name: "ollama"}
	anth := &recordingClient{name: "anthropic"}
	oai := &recordingClient{name: "openai"}

	m := NewMultiClient(ollama)
	m.AddProvider("anthropic", anth)
	m.AddProvider("openai", oai)
	m.AddModel("claude-sonnet-4", "anthropic")

	tests := []struct {
		model     string
		wantVia   string
		wantModel string
	}{
		{"claude-sonnet-4", "anthropic", "claude-sonnet-4"},
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"qwen3:8b", "ollama", "qwen3:8b"},
		{"library/qwen3", "ollama", "library/qwen3"}, // unknown prefix falls back untouched
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.model, err)
		}
		if resp.Message.Content != tt.wantVia || resp.Model != tt.wantModel {
			t.Errorf("%s routed to %s as %q, want %s as %q", tt.model, resp.Message.Content, resp.Model, tt.wantVia, tt.wantModel)
		}
	}

	if got := m.Providers(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("Providers = %v", got)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Error("expected error without fallback")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping without fallback should fail")
	}
}

func TestMultiClient_PingProvider(t *testing.T) {
	down := errors.New("down")
	m := NewMultiClient(nil)
	m.AddProvider("openai", &recordingClient{err: down})
	if err := m.PingProvider(context.Background(), "openai"); !errors.Is(err, down) {
		t.Errorf("PingProvider = %v", err)
	}
	if err := m.PingProvider(context.Background(), "missing"); err == nil {
		t.Error("unknown provider should error")
	}
}
