// Package llm provides the completion-service clients: a native Ollama
// client plus OpenAI-compatible and Anthropic clients built on the
// official SDKs, and a MultiClient that routes by model name.
//
// Every client streams. Text arrives as KindToken events; the final
// ChatResponse carries the full assistant message, any tool calls, and
// token usage.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil, tokens are streamed to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
