package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an Anthropic Messages API client.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64
	Logger    *slog.Logger
}

// AnthropicClient calls the Messages API through the official SDK.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a client. The SDK reads ANTHROPIC_API_KEY
// when APIKey is empty.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var opts []aoption.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, aoption.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, aoption.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, aoption.WithMaxRetries(0))

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
		logger:    logger.With("provider", "anthropic"),
	}
}

// Chat sends a message request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream streams a response. Text deltas are forwarded as tokens;
// tool calls are read from the accumulated message once the stream ends.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	system, msgs := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(msgs), "tools", len(tools))

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	inputs := map[int]*strings.Builder{} // content block index → streamed tool input
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, &APIError{Provider: "anthropic", Message: "accumulate stream", Err: err}
		}
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		switch d := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text != "" {
				emit(callback, StreamEvent{Kind: KindToken, Token: d.Text})
			}
		case anthropic.InputJSONDelta:
			b, ok := inputs[int(ev.Index)]
			if !ok {
				b = &strings.Builder{}
				inputs[int(ev.Index)] = b
			}
			b.WriteString(d.PartialJSON)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err)
	}

	resp := fromAnthropicMessage(&msg, model, inputs)
	for i := range resp.Message.ToolCalls {
		emit(callback, StreamEvent{Kind: KindToolCallStart, ToolCall: &resp.Message.ToolCalls[i]})
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	emit(callback, StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping lists models to confirm the key and endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return wrapAnthropicError(err)
	}
	return nil
}

// fromAnthropicMessage converts an accumulated message. Streamed tool
// input in inputs takes precedence over the block's own Input.
func fromAnthropicMessage(msg *anthropic.Message, model string, inputs map[int]*strings.Builder) *ChatResponse {
	resp := &ChatResponse{
		Model:        model,
		Done:         true,
		StopReason:   normalizeStop(string(msg.StopReason)),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	if msg.Model != "" {
		resp.Model = string(msg.Model)
	}

	var text strings.Builder
	var calls []ToolCall
	for i, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			raw := []byte(b.Input)
			if in, ok := inputs[i]; ok && strings.TrimSpace(in.String()) != "" {
				raw = []byte(in.String())
			}
			args := map[string]any{}
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &args)
			}
			calls = append(calls, ToolCall{ID: b.ID, Function: ToolFunction{Name: b.Name, Arguments: args}})
		}
	}
	resp.Message = Message{Role: RoleAssistant, Content: text.String(), ToolCalls: calls}
	return resp
}

// toAnthropicMessages splits out the system prompt and converts the rest.
// Consecutive tool results are grouped into a single user message, since
// the API requires user and assistant turns to alternate.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var (
		system  []string
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case RoleTool:
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, nonNilArgs(tc.Function.Arguments), tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

func toAnthropicTools(tools []map[string]any) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name, desc, params := manifestEntry(t)
		if name == "" {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{Properties: params["properties"]}
		switch req := params["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: schema,
		}})
	}
	return out
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Message: err.Error(), Err: err}
	}
	return transportError("anthropic", err)
}
