package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/rotbot/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("provider", "ollama"),
		httpClient: httpkit.Provider("ollama", logger).Client(),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaChunk struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Error      string  `json:"error,omitempty"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama and reads the
// newline-delimited JSON chunks.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("ollama", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	var (
		final   ChatResponse
		content strings.Builder
		calls   []ToolCall
	)
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, transportError("ollama", fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Error != "" {
			return nil, &APIError{Provider: "ollama", Message: chunk.Error}
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			emit(callback, StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		for i := range chunk.Message.ToolCalls {
			tc := chunk.Message.ToolCalls[i]
			if tc.ID == "" {
				tc.ID = fmt.Sprintf("call_%d", len(calls)+1)
			}
			calls = append(calls, tc)
			emit(callback, StreamEvent{Kind: KindToolCallStart, ToolCall: &tc})
		}

		if chunk.Done {
			final = ChatResponse{
				Model:         chunk.Model,
				Done:          true,
				StopReason:    chunk.DoneReason,
				InputTokens:   chunk.PromptEvalCount,
				OutputTokens:  chunk.EvalCount,
				TotalDuration: time.Duration(chunk.TotalDuration),
				LoadDuration:  time.Duration(chunk.LoadDuration),
				EvalDuration:  time.Duration(chunk.EvalDuration),
			}
			if ts, err := time.Parse(time.RFC3339Nano, chunk.CreatedAt); err == nil {
				final.CreatedAt = ts
			}
			break
		}
	}

	final.Message = Message{
		Role:      RoleAssistant,
		Content:   content.String(),
		ToolCalls: calls,
	}
	if len(calls) > 0 {
		final.StopReason = "tool_calls"
	}
	recoverTextToolCalls(&final, tools)

	c.logger.Debug("stream complete",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
	)
	emit(callback, StreamEvent{Kind: KindDone, Response: &final})
	return &final, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("ollama", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Message: httpkit.ReadErrorBody(resp.Body, 4096)}
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
