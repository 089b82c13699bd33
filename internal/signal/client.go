package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/rotbot/internal/config"
	"github.com/nugget/rotbot/internal/jsonrpc"
)

// groupPrefix marks a chat id that addresses a group rather than a
// phone number.
const groupPrefix = "group."

// ErrNotStarted is returned by calls made before Start.
var ErrNotStarted = errors.New("signal: client not started")

// caller is the request half of a JSON-RPC connection.
type caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Client talks to a signal-cli process running in jsonRpc mode.
// Received data messages are pushed to Messages; sends are ordinary
// JSON-RPC calls and may run concurrently.
type Client struct {
	cfg    config.SignalConfig
	logger *slog.Logger

	proc     *jsonrpc.Process
	rpc      caller
	messages chan *Envelope
}

// NewClient creates a client. Call Start to launch signal-cli.
func NewClient(cfg config.SignalConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "signal"),
		messages: make(chan *Envelope, 64),
	}
}

// Start launches signal-cli. Must be called exactly once.
func (c *Client) Start() error {
	proc, err := jsonrpc.StartProcess(jsonrpc.ProcessConfig{
		Name:    "signal-cli",
		Command: c.cfg.Command,
		Args:    c.cfg.CommandArgs(),
		Options: jsonrpc.Options{
			Logger:   c.logger,
			OnNotify: c.onNotify,
		},
	})
	if err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}
	c.proc = proc
	c.attach(proc.Conn())
	return nil
}

// attach routes calls through conn and closes Messages when it ends.
func (c *Client) attach(conn *jsonrpc.Conn) {
	c.rpc = conn
	go func() {
		<-conn.Done()
		if err := conn.Err(); err != nil {
			c.logger.Warn("signal-cli connection closed", "error", err)
		}
		close(c.messages)
	}()
}

// Messages returns received envelopes carrying a data message. The
// channel is closed when signal-cli exits.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

func (c *Client) onNotify(method string, params json.RawMessage) {
	if method != "receive" {
		c.logger.Debug("signal-cli notification ignored", "method", method)
		return
	}
	var notif receiveNotification
	if err := json.Unmarshal(params, &notif); err != nil {
		c.logger.Warn("signal-cli malformed receive notification", "error", err)
		return
	}
	// Typing indicators, receipts and sync messages are not actionable.
	if notif.Envelope.DataMessage == nil {
		return
	}
	select {
	case c.messages <- &notif.Envelope:
	default:
		c.logger.Warn("signal message channel full, dropping message",
			"sender", notif.Envelope.Source,
		)
	}
}

// target returns the addressing params for a chat id: a group id for
// "group.<id>", a recipient otherwise.
func target(chatID string, list bool) map[string]any {
	if id, ok := strings.CutPrefix(chatID, groupPrefix); ok {
		return map[string]any{"groupId": id}
	}
	if list {
		return map[string]any{"recipient": []string{chatID}}
	}
	return map[string]any{"recipient": chatID}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.rpc == nil {
		return nil, ErrNotStarted
	}
	return c.rpc.Call(ctx, method, params)
}

// Send sends a text message and returns its server timestamp.
func (c *Client) Send(ctx context.Context, chatID, message string) (int64, error) {
	params := target(chatID, true)
	params["message"] = message
	raw, err := c.call(ctx, "send", params)
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}
	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("unmarshal send result: %w", err)
	}
	return result.Timestamp, nil
}

// SendReceipt marks a received message as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator in a chat.
func (c *Client) SendTyping(ctx context.Context, chatID string, stop bool) error {
	params := target(chatID, false)
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// Ping asks signal-cli for its version. Suitable as a connwatch probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close stops signal-cli.
func (c *Client) Close() error {
	if c.proc == nil {
		return nil
	}
	return c.proc.Close()
}
