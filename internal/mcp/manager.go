package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/rotbot/internal/connwatch"
	"github.com/nugget/rotbot/internal/tools"
)

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Include   []string          `yaml:"include_tools"`
	Exclude   []string          `yaml:"exclude_tools"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// Validate reports configuration mistakes.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("mcp server name is required")
	}
	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: command is required for stdio", c.Name)
		}
	case TransportHTTP, TransportWebSocket:
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: url is required for %s", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// NewTransport builds the transport described by cfg.
func NewTransport(cfg ServerConfig, onNotify NotifyFunc, logger *slog.Logger) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportWebSocket:
		return NewWebSocketTransport(WebSocketConfig{
			URL:      cfg.URL,
			Headers:  cfg.Headers,
			OnNotify: onNotify,
			Logger:   logger,
		}), nil
	default:
		return NewStdioTransport(StdioConfig{
			Name:     cfg.Name,
			Command:  cfg.Command,
			Args:     cfg.Args,
			Env:      cfg.Env,
			OnNotify: onNotify,
			Logger:   logger,
		}), nil
	}
}

// ServerStatus is a point-in-time view of one managed server.
type ServerStatus struct {
	Name      string   `json:"name"`
	Ready     bool     `json:"ready"`
	Server    string   `json:"server,omitempty"`
	Version   string   `json:"version,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}

type managed struct {
	client  *Client
	bridge  BridgeConfig
	watcher *connwatch.Watcher
	tools   []string
}

// Manager keeps a set of MCP servers connected and mirrors their tools
// into a tools.Store. Servers are health-checked by connwatch: when one
// comes up its tools are bridged in, when it goes down they are
// withdrawn, and a tools/list_changed notification triggers a refresh.
// Each change publishes a new snapshot; running turns keep theirs.
type Manager struct {
	store  *tools.Store
	watch  *connwatch.Manager
	logger *slog.Logger
	ctx    context.Context

	mu      sync.Mutex
	servers map[string]*managed
}

// NewManager creates a manager publishing into store. ctx bounds the
// background watchers.
func NewManager(ctx context.Context, store *tools.Store, watch *connwatch.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if watch == nil {
		watch = connwatch.NewManager(logger, nil)
	}
	return &Manager{
		store:   store,
		watch:   watch,
		logger:  logger.With("component", "mcp"),
		ctx:     ctx,
		servers: make(map[string]*managed),
	}
}

// Add builds a transport for cfg and starts managing the server.
func (m *Manager) Add(cfg ServerConfig) error {
	name := cfg.Name
	transport, err := NewTransport(cfg, func(method string, _ json.RawMessage) {
		m.handleNotify(name, method)
	}, m.logger.With("mcp_server", name))
	if err != nil {
		return err
	}
	client := NewClient(name, transport, m.logger)
	return m.AddClient(client, BridgeConfig{
		Include: cfg.Include,
		Exclude: cfg.Exclude,
		Timeout: cfg.Timeout,
	})
}

// AddClient starts managing an already constructed client.
func (m *Manager) AddClient(client *Client, bridge BridgeConfig) error {
	name := client.Name()

	m.mu.Lock()
	if _, dup := m.servers[name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("mcp server %s already registered", name)
	}
	srv := &managed{client: client, bridge: bridge}
	m.servers[name] = srv
	m.mu.Unlock()

	srv.watcher = m.watch.Watch(m.ctx, connwatch.Spec{
		Name:  "mcp:" + name,
		Kind:  connwatch.KindToolServer,
		Probe: m.probe(client),
		OnUp: func() {
			if _, err := m.Refresh(m.ctx, name); err != nil {
				m.logger.Warn("MCP tool refresh failed", "mcp_server", name, "error", err)
			}
		},
		OnDown: func(error) {
			m.withdraw(name)
		},
	})
	return nil
}

// probe initializes the client on first contact and pings afterwards.
// A failed ping resets the handshake so the next success repeats it.
func (m *Manager) probe(c *Client) connwatch.Probe {
	return func(ctx context.Context) error {
		if !c.Initialized() {
			return c.Initialize(ctx)
		}
		if err := c.Ping(ctx); err != nil {
			c.reset()
			return err
		}
		return nil
	}
}

// Refresh re-lists a server's tools and republishes the snapshot. It
// returns the number of tools bridged.
func (m *Manager) Refresh(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	srv, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("mcp server %s not registered", name)
	}

	srv.client.InvalidateTools()
	bridged, err := Bridge(ctx, srv.client, srv.bridge, m.logger)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(bridged))
	for _, t := range bridged {
		names = append(names, t.Spec().Name)
	}
	m.mu.Lock()
	srv.tools = names
	m.mu.Unlock()

	prefix := ToolPrefix(name)
	snap := m.store.Update(func(cur *tools.Snapshot) *tools.Snapshot {
		return cur.WithoutPrefix(prefix).With(bridged...)
	})
	m.logger.Info("MCP tools published",
		"mcp_server", name,
		"tools", len(bridged),
		"snapshot_version", snap.Version(),
	)
	return len(bridged), nil
}

func (m *Manager) withdraw(name string) {
	m.mu.Lock()
	if srv, ok := m.servers[name]; ok {
		srv.tools = nil
	}
	m.mu.Unlock()

	prefix := ToolPrefix(name)
	m.store.Update(func(cur *tools.Snapshot) *tools.Snapshot {
		return cur.WithoutPrefix(prefix)
	})
	m.logger.Warn("MCP server down, tools withdrawn", "mcp_server", name)
}

func (m *Manager) handleNotify(name, method string) {
	switch method {
	case "notifications/tools/list_changed":
		go func() {
			if _, err := m.Refresh(m.ctx, name); err != nil {
				m.logger.Warn("MCP tool refresh after list_changed failed", "mcp_server", name, "error", err)
			}
		}()
	default:
		m.logger.Debug("MCP notification", "mcp_server", name, "method", method)
	}
}

// Status returns every managed server sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for name, srv := range m.servers {
		st := ServerStatus{Name: name, Tools: append([]string(nil), srv.tools...)}
		st.Server, st.Version = srv.client.ServerInfo()
		if srv.watcher != nil {
			ws := srv.watcher.Status()
			st.Ready = ws.Ready
			st.LastError = ws.LastError
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops the watchers, withdraws all bridged tools, and closes
// every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*managed)
	m.mu.Unlock()

	var errs []error
	for name, srv := range servers {
		m.watch.Unwatch("mcp:" + name)
		prefix := ToolPrefix(name)
		m.store.Update(func(cur *tools.Snapshot) *tools.Snapshot {
			return cur.WithoutPrefix(prefix)
		})
		if err := srv.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
