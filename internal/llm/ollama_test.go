package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func ollamaServer(t *testing.T, lines ...string) (*httptest.Server, *ollamaRequest) {
	t.Helper()
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode request: %v", err)
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			for _, l := range lines {
				fmt.Fprintln(w, l)
			}
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"qwen3:8b"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestOllamaClient_ChatStreamTokens(t *testing.T) {
	srv, req := ollamaServer(t,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":2}`,
	)
	c := NewOllamaClient(srv.URL, nil)

	var tokens []string
	var final *ChatResponse
	resp, err := c.ChatStream(context.Background(), "qwen3:8b",
		[]Message{{Role: RoleUser, Content: "hi"}}, nil,
		func(ev StreamEvent) {
			switch ev.Kind {
			case KindToken:
				tokens = append(tokens, ev.Token)
			case KindDone:
				final = ev.Response
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if !req.Stream || req.Model != "qwen3:8b" || len(req.Messages) != 1 {
		t.Errorf("request = %+v", req)
	}
	if resp.Message.Content != "Hello" || strings.Join(tokens, "") != "Hello" {
		t.Errorf("content = %q tokens = %v", resp.Message.Content, tokens)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 2 || resp.StopReason != "stop" {
		t.Errorf("usage/stop = %d/%d/%q", resp.InputTokens, resp.OutputTokens, resp.StopReason)
	}
	if final != resp {
		t.Error("KindDone should carry the returned response")
	}
}

func TestOllamaClient_NativeToolCalls(t *testing.T) {
	srv, _ := ollamaServer(t,
		`{"model":"m","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"web_search","arguments":{"query":"go"}}}]},"done":false}`,
		`{"model":"m","message":{"role":"assistant","content":""},"done":true}`,
	)
	c := NewOllamaClient(srv.URL, nil)
	manifest := []map[string]any{{"type": "function", "function": map[string]any{"name": "web_search"}}}

	var started []string
	resp, err := c.ChatStream(context.Background(), "m", nil, manifest, func(ev StreamEvent) {
		if ev.Kind == KindToolCallStart {
			started = append(started, ev.ToolCall.Function.Name)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Arguments["query"] != "go" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.StopReason != "tool_calls" || len(started) != 1 {
		t.Errorf("stop = %q started = %v", resp.StopReason, started)
	}
}

func TestOllamaClient_TextToolCallRecovered(t *testing.T) {
	srv, _ := ollamaServer(t,
		`{"model":"m","message":{"role":"assistant","content":"<tool_call>{\"name\":\"web_search\",\"arguments\":{\"query\":\"go\"}}</tool_call>"},"done":true}`,
	)
	c := NewOllamaClient(srv.URL, nil)
	manifest := []map[string]any{{"type": "function", "function": map[string]any{"name": "web_search"}}}

	resp, err := c.Chat(context.Background(), "m", nil, manifest)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.Content != "" {
		t.Errorf("message = %+v", resp.Message)
	}
}

func TestOllamaClient_Errors(t *testing.T) {
	t.Run("stream error chunk", func(t *testing.T) {
		srv, _ := ollamaServer(t, `{"error":"model not found"}`)
		_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "m", nil, nil)
		if err == nil || !strings.Contains(err.Error(), "model not found") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad model", http.StatusBadRequest)
		}))
		defer srv.Close()
		_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "m", nil, nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if IsRetryable(err) {
			t.Errorf("400 should not be retryable: %v", err)
		}
	})
}

func TestOllamaClient_Ping(t *testing.T) {
	srv, _ := ollamaServer(t)
	c := NewOllamaClient(srv.URL, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil || len(models) != 1 || models[0] != "qwen3:8b" {
		t.Errorf("ListModels = %v, %v", models, err)
	}
}
