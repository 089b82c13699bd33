package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/rotbot/internal/jsonrpc"
)

// WebSocketConfig configures a websocket MCP transport. Each JSON-RPC
// message travels as one text frame.
type WebSocketConfig struct {
	URL     string
	Headers map[string]string

	// HandshakeTimeout bounds the opening handshake. Default 10s.
	HandshakeTimeout time.Duration

	OnNotify NotifyFunc
	Logger   *slog.Logger
}

// WebSocketTransport multiplexes concurrent calls over one websocket,
// reconnecting lazily when the socket drops.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *jsonrpc.Conn
}

// NewWebSocketTransport creates a websocket transport. The socket is
// opened by the first Call or Notify.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hs := cfg.HandshakeTimeout
	if hs <= 0 {
		hs = 10 * time.Second
	}
	return &WebSocketTransport{
		config: cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: hs,
		},
	}
}

func (t *WebSocketTransport) connect(ctx context.Context) (*jsonrpc.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		select {
		case <-t.conn.Done():
			t.logger.Info("MCP websocket closed, reconnecting", "url", t.config.URL)
			t.conn = nil
		default:
			return t.conn, nil
		}
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	var notify jsonrpc.NotifyFunc
	if t.config.OnNotify != nil {
		notify = jsonrpc.NotifyFunc(t.config.OnNotify)
	}
	stream := &wsStream{ws: ws}
	t.conn = jsonrpc.NewConn(stream, stream, jsonrpc.Options{
		Logger:   t.logger,
		OnNotify: notify,
	})
	t.logger.Info("MCP websocket connected", "url", t.config.URL)
	return t.conn, nil
}

// Call implements Transport.
func (t *WebSocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, params)
}

// Notify implements Transport.
func (t *WebSocketTransport) Notify(ctx context.Context, method string, params any) error {
	c, err := t.connect(ctx)
	if err != nil {
		return err
	}
	return c.Notify(ctx, method, params)
}

// Close sends a close frame and drops the socket.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// wsStream presents a websocket as the newline-delimited stream a
// jsonrpc.Conn expects: each frame read is followed by a newline, and
// each line written becomes one frame.
type wsStream struct {
	ws  *websocket.Conn
	cur io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.cur == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			s.cur = nil
			p[0] = '\n'
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// Write sends one frame. jsonrpc.Conn serializes writers, which is the
// single-writer rule gorilla/websocket requires.
func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.ws.Close()
}
