package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MultiClient routes requests to the appropriate provider based on model name.
//
// A model resolves in order: an explicit AddModel mapping, then a
// "provider/model" prefix naming a registered provider (the prefix is
// stripped before the call), then the fallback.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolve returns the client for a model and the model name to send it.
func (m *MultiClient) resolve(model string) (Client, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, model
		}
	}
	if provider, rest, ok := strings.Cut(model, "/"); ok {
		if client, ok := m.clients[provider]; ok {
			return client, rest
		}
	}
	return m.fallback, model
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, name := m.resolve(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, name, messages, tools)
}

// ChatStream sends a streaming request to the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, name := m.resolve(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.ChatStream(ctx, name, messages, tools, callback)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return errors.New("no fallback client configured")
}

// PingProvider checks one named provider.
func (m *MultiClient) PingProvider(ctx context.Context, name string) error {
	m.mu.RLock()
	client, ok := m.clients[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	return client.Ping(ctx)
}
