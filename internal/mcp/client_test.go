package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nugget/rotbot/internal/jsonrpc"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	errors    map[string]*jsonrpc.RPCError
	sent      []sentCall
	notifs    []string
	closed    bool
}

type sentCall struct {
	Method string
	Params any
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]json.RawMessage),
		errors:    make(map[string]*jsonrpc.RPCError),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.mu.Lock()
	m.responses[method] = data
	m.mu.Unlock()
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.mu.Lock()
	m.errors[method] = &jsonrpc.RPCError{Code: code, Message: msg}
	m.mu.Unlock()
}

func (m *mockTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentCall{Method: method, Params: params})
	if e, ok := m.errors[method]; ok {
		return nil, e
	}
	resp, ok := m.responses[method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", method)
	}
	return resp, nil
}

func (m *mockTransport) Notify(_ context.Context, method string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, method)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.sent {
		if c.Method == method {
			n++
		}
	}
	return n
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
		Capabilities:    serverCapabilities{},
	})

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Verify the initialize request was sent.
	if len(mt.sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(mt.sent))
	}
	if mt.sent[0].Method != "initialize" {
		t.Errorf("method = %q, want %q", mt.sent[0].Method, "initialize")
	}

	// Verify the initialized notification was sent.
	if len(mt.notifs) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(mt.notifs))
	}
	if mt.notifs[0] != "notifications/initialized" {
		t.Errorf("notification method = %q, want %q", mt.notifs[0], "notifications/initialized")
	}

	if name, ver := client.ServerInfo(); name != "test-server" || ver != "1.0.0" {
		t.Errorf("ServerInfo() = %q %q", name, ver)
	}
	if !client.Initialized() {
		t.Error("Initialized() = false after handshake")
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{
				Name:        "read_file",
				Description: "Read a file",
				InputSchema: map[string]any{"type": "object"},
			},
			{
				Name:        "search_repos",
				Description: "Search repositories",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string"},
					},
				},
			},
		},
	})

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "read_file" {
		t.Errorf("tools[0].Name = %q, want %q", tools[0].Name, "read_file")
	}
	if tools[1].Name != "search_repos" {
		t.Errorf("tools[1].Name = %q, want %q", tools[1].Name, "search_repos")
	}

	// Second call should return cached results without another request.
	tools2, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools (cached): %v", err)
	}
	if len(tools2) != 2 {
		t.Fatalf("cached: got %d tools, want 2", len(tools2))
	}
	// Should have sent only 2 requests total (initialize + first tools/list).
	if len(mt.sent) != 2 {
		t.Errorf("sent %d requests, want 2 (init + one tools/list)", len(mt.sent))
	}
}

func TestClient_CallTool_TextResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "sensor.disk_usage is 71%"},
		},
	})

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := client.CallTool(context.Background(), "disk_usage", map[string]any{
		"path": "sensor.disk_usage",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	if result != "sensor.disk_usage is 71%" {
		t.Errorf("result = %q, want %q", result, "sensor.disk_usage is 71%")
	}
}

func TestClient_CallTool_MultipleContentBlocks(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "Result line 1"},
			{Type: "image"},
			{Type: "text", Text: "Result line 2"},
		},
	})

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := client.CallTool(context.Background(), "mixed_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	want := "Result line 1\n[image]\nResult line 2"
	if result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestClient_CallTool_ErrorResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "path not found"},
		},
		IsError: true,
	})

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := client.CallTool(context.Background(), "disk_usage", map[string]any{
		"path": "nonexistent",
	})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if got := err.Error(); got != "MCP tool disk_usage returned error: path not found" {
		t.Errorf("error = %q", got)
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	mt.addError("tools/call", -32601, "Method not found")

	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := client.CallTool(context.Background(), "nonexistent", nil)
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("err = %v, want RPCError -32601", err)
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("test", mt, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport was not closed")
	}
}

func TestClient_Name(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("my-server", mt, nil)
	if got := client.Name(); got != "my-server" {
		t.Errorf("Name() = %q, want %q", got, "my-server")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractText(tt.blocks)
			if got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_ListTools_FollowsCursor(t *testing.T) {
	mt := &pagedTransport{mockTransport: newMockTransport()}
	client := NewClient("paged", mt, nil)

	defs, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "one" || defs[1].Name != "two" {
		t.Errorf("ListTools() = %+v", defs)
	}
	if n := mt.count("tools/list"); n != 2 {
		t.Errorf("tools/list sent %d times, want 2", n)
	}
}

// pagedTransport serves tools/list in two pages.
type pagedTransport struct {
	*mockTransport
}

func (p *pagedTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	p.sent = append(p.sent, sentCall{Method: method, Params: params})
	p.mu.Unlock()
	if m, ok := params.(map[string]any); ok && m["cursor"] == "page2" {
		return json.Marshal(toolsListResult{Tools: []ToolDefinition{{Name: "two"}}})
	}
	return json.Marshal(toolsListResult{Tools: []ToolDefinition{{Name: "one"}}, NextCursor: "page2"})
}

func TestClient_InvalidateTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "a"}}})
	client := NewClient("test", mt, nil)

	ctx := context.Background()
	if _, err := client.ListTools(ctx); err != nil {
		t.Fatal(err)
	}
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "a"}, {Name: "b"}}})
	client.InvalidateTools()

	defs, err := client.ListTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 {
		t.Errorf("after invalidate got %d tools, want 2", len(defs))
	}
}

func TestClient_CallTool_SendsEmptyArguments(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}})
	client := NewClient("test", mt, nil)

	if _, err := client.CallTool(context.Background(), "noargs", nil); err != nil {
		t.Fatal(err)
	}
	params := mt.sent[0].Params.(map[string]any)
	if args, ok := params["arguments"].(map[string]any); !ok || args == nil {
		t.Errorf("arguments = %#v, want empty object", params["arguments"])
	}
}
