package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible client. BaseURL lets the
// same client talk to any server implementing the Chat Completions API
// (vLLM, llama.cpp server, LM Studio, OpenRouter).
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64
	Logger    *slog.Logger
}

// OpenAIClient calls the Chat Completions API through the official SDK.
type OpenAIClient struct {
	client    openai.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewOpenAIClient creates a client. The SDK reads OPENAI_API_KEY when
// APIKey is empty.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// The agent loop owns the single provider retry.
	opts = append(opts, option.WithMaxRetries(0))

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		maxTokens: maxTokens,
		logger:    logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

type openAIPartial struct {
	id, name string
	args     strings.Builder
}

// ChatStream streams a completion, accumulating tool-call deltas by
// index until the stream ends.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            toOpenAIMessages(messages),
		MaxCompletionTokens: openai.Int(c.maxTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "tools", len(tools))

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		content  strings.Builder
		partials = map[int64]*openAIPartial{}
		resp     = ChatResponse{Model: model}
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			resp.InputTokens = int(chunk.Usage.PromptTokens)
			resp.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				content.WriteString(ch.Delta.Content)
				emit(callback, StreamEvent{Kind: KindToken, Token: ch.Delta.Content})
			}
			for _, tc := range ch.Delta.ToolCalls {
				p, ok := partials[tc.Index]
				if !ok {
					p = &openAIPartial{}
					partials[tc.Index] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args.WriteString(tc.Function.Arguments)
			}
			if ch.FinishReason != "" {
				resp.StopReason = normalizeStop(string(ch.FinishReason))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapOpenAIError(err)
	}

	calls := assembleOpenAICalls(partials)
	for i := range calls {
		emit(callback, StreamEvent{Kind: KindToolCallStart, ToolCall: &calls[i]})
	}

	resp.Done = true
	resp.Message = Message{Role: RoleAssistant, Content: content.String(), ToolCalls: calls}
	if len(calls) > 0 {
		resp.StopReason = "tool_calls"
	}
	recoverTextToolCalls(&resp, tools)

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	emit(callback, StreamEvent{Kind: KindDone, Response: &resp})
	return &resp, nil
}

// Ping lists models, which needs a valid key and a reachable server.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return wrapOpenAIError(err)
	}
	return nil
}

func assembleOpenAICalls(partials map[int64]*openAIPartial) []ToolCall {
	if len(partials) == 0 {
		return nil
	}
	idx := make([]int64, 0, len(partials))
	for i := range partials {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	calls := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		p := partials[i]
		if p.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(p.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		id := p.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, ToolCall{ID: id, Function: ToolFunction{Name: p.name, Arguments: args}})
	}
	return calls
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(nonNilArgs(tc.Function.Arguments))
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(args),
					},
				})
			}
			msg := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}
			// Text said alongside the calls stays in the transcript.
			if m.Content != "" {
				msg.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: msg})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(tools []map[string]any) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		name, desc, params := manifestEntry(t)
		if name == "" {
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(desc),
				Parameters:  openai.FunctionParameters(params),
			},
		})
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "openai", StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return transportError("openai", err)
}

// manifestEntry unpacks one OpenAI-format tool manifest entry.
func manifestEntry(t map[string]any) (name, desc string, params map[string]any) {
	fn, ok := t["function"].(map[string]any)
	if !ok {
		return "", "", nil
	}
	name, _ = fn["name"].(string)
	desc, _ = fn["description"].(string)
	params, _ = fn["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, desc, params
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func normalizeStop(reason string) string {
	switch reason {
	case "stop", "end_turn", "stop_sequence":
		return "stop"
	case "tool_calls", "tool_use", "function_call":
		return "tool_calls"
	case "length", "max_tokens":
		return "length"
	}
	return reason
}
