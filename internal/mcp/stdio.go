package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/rotbot/internal/jsonrpc"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Name identifies the server in logs.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// OnNotify receives server notifications. Optional.
	OnNotify NotifyFunc

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Any number of calls may be in flight; responses are
// matched to callers by id. A cancelled or timed-out call is forgotten
// and its late response dropped. The subprocess keeps running.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu   sync.Mutex
	proc *jsonrpc.Process
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Call or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// conn returns a live connection, starting (or restarting after an
// exit) the subprocess. Its lifetime is independent of any call
// context.
func (t *StdioTransport) conn() (*jsonrpc.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.proc != nil {
		select {
		case <-t.proc.Conn().Done():
			t.logger.Info("MCP subprocess gone, restarting", "command", t.config.Command)
			_ = t.proc.Close()
			t.proc = nil
		default:
			return t.proc.Conn(), nil
		}
	}

	name := t.config.Name
	if name == "" {
		name = t.config.Command
	}
	var notify jsonrpc.NotifyFunc
	if t.config.OnNotify != nil {
		notify = jsonrpc.NotifyFunc(t.config.OnNotify)
	}
	proc, err := jsonrpc.StartProcess(jsonrpc.ProcessConfig{
		Name:    "mcp:" + name,
		Command: t.config.Command,
		Args:    t.config.Args,
		Env:     t.config.Env,
		Options: jsonrpc.Options{
			Logger:   t.logger,
			OnNotify: notify,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start MCP subprocess %s: %w", t.config.Command, err)
	}
	t.proc = proc
	return proc.Conn(), nil
}

// Call implements Transport.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c, err := t.conn()
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params)
}

// Notify implements Transport.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	c, err := t.conn()
	if err != nil {
		return err
	}
	return c.Notify(ctx, method, params)
}

// Pending reports how many calls await a response.
func (t *StdioTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return 0
	}
	return t.proc.Conn().Pending()
}

// Close terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	proc := t.proc
	t.proc = nil
	t.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Close()
}
