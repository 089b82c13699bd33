package signal

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/rotbot/internal/bus"
	"github.com/nugget/rotbot/internal/events"
	"github.com/nugget/rotbot/internal/ratelimit"
)

// ChannelName is the bus channel for Signal conversations.
const ChannelName = "signal"

const (
	outboxSize  = 64
	sendTimeout = 30 * time.Second
	rateWindow  = time.Minute
)

// messenger is the slice of Client the bridge uses.
type messenger interface {
	Messages() <-chan *Envelope
	Send(ctx context.Context, chatID, message string) (int64, error)
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
	SendTyping(ctx context.Context, chatID string, stop bool) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client *Client
	Bus    *bus.Bus
	Events *events.Bus
	Logger *slog.Logger
	// RateLimit caps messages per sender per minute; 0 is unlimited.
	RateLimit int
	// AllowFrom lists the senders that are answered. Empty allows all.
	AllowFrom []string
}

// Bridge moves messages between signal-cli and the bus. Each sender
// (or group) is one conversation, so the bus keeps their turns in order.
type Bridge struct {
	client  messenger
	bus     *bus.Bus
	events  *events.Bus
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	allow   map[string]bool
	outbox  chan bus.OutboundMessage

	mu            sync.Mutex
	lastInboundTS map[string]int64
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	return newBridge(cfg.Client, cfg)
}

func newBridge(client messenger, cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var allow map[string]bool
	if len(cfg.AllowFrom) > 0 {
		allow = make(map[string]bool, len(cfg.AllowFrom))
		for _, s := range cfg.AllowFrom {
			allow[s] = true
		}
	}
	return &Bridge{
		client:        client,
		bus:           cfg.Bus,
		events:        cfg.Events,
		logger:        logger.With("component", "signal"),
		limiter:       ratelimit.New(cfg.RateLimit, rateWindow),
		allow:         allow,
		outbox:        make(chan bus.OutboundMessage, outboxSize),
		lastInboundTS: make(map[string]int64),
	}
}

// LastInboundTimestamp returns the newest message timestamp seen from
// sender.
func (b *Bridge) LastInboundTimestamp(sender string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.lastInboundTS[sender]
	return ts, ok
}

// Start routes messages in both directions until ctx is cancelled or
// signal-cli exits.
func (b *Bridge) Start(ctx context.Context) {
	unsub := b.bus.SubscribeChannel(ChannelName, b.enqueue)
	defer unsub()
	go b.drainOutbox(ctx)

	b.logger.Info("signal bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			b.handleEnvelope(ctx, env)
		}
	}
}

func (b *Bridge) handleEnvelope(ctx context.Context, env *Envelope) {
	if env.Text() == "" {
		b.logger.Debug("signal ignoring non-text envelope", "sender", env.Source)
		return
	}
	if env.Source == "" {
		b.logger.Debug("signal ignoring envelope with empty source")
		return
	}
	if b.allow != nil && !b.allow[env.Source] {
		b.logger.Info("signal message from unlisted sender ignored", "sender", env.Source)
		return
	}
	if !b.limiter.Allow(env.Source) {
		b.logger.Warn("signal message rate-limited", "sender", env.Source)
		return
	}

	ts := env.SentAt()
	b.mu.Lock()
	b.lastInboundTS[env.Source] = ts
	b.mu.Unlock()

	if err := b.client.SendReceipt(ctx, env.Source, ts); err != nil {
		b.logger.Warn("signal read receipt failed", "sender", env.Source, "error", err)
	}

	chatID := env.ChatID()
	msg := bus.InboundMessage{
		ID:        strconv.FormatInt(ts, 10),
		Channel:   ChannelName,
		ChatID:    chatID,
		UserID:    env.Source,
		Content:   env.TurnInput(),
		Timestamp: time.UnixMilli(ts),
		Metadata:  map[string]string{"sender": env.Source},
	}
	if env.SourceName != "" {
		msg.Metadata["sender_name"] = env.SourceName
	}

	b.logger.Info("signal message received",
		"sender", env.Source,
		"chat_id", chatID,
		"message_len", len(env.Text()),
	)
	if err := b.client.SendTyping(ctx, chatID, false); err != nil {
		b.logger.Debug("signal typing indicator failed", "error", err)
	}
	if err := b.bus.Publish(ctx, msg); err != nil {
		b.logger.Warn("signal message not queued", "sender", env.Source, "error", err)
		b.enqueue(bus.ReplyTo(msg, bus.KindAborted, "Message not accepted: "+err.Error()))
	}
}

// enqueue is the bus sink. Signal only carries whole replies.
func (b *Bridge) enqueue(out bus.OutboundMessage) {
	if !out.Kind.Final() {
		return
	}
	select {
	case b.outbox <- out:
	default:
		b.logger.Warn("signal outbox full, dropping reply", "chat_id", out.ChatID)
		b.deliveryFailed(out, "outbox full")
	}
}

func (b *Bridge) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.outbox:
			b.deliver(ctx, out)
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, out bus.OutboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := b.client.SendTyping(ctx, out.ChatID, true); err != nil {
		b.logger.Debug("signal typing stop failed", "error", err)
	}
	if out.Content == "" {
		return
	}
	if _, err := b.client.Send(ctx, out.ChatID, out.Content); err != nil {
		b.logger.Error("signal reply send failed", "chat_id", out.ChatID, "error", err)
		b.deliveryFailed(out, err.Error())
		return
	}
	b.logger.Info("signal reply sent",
		"chat_id", out.ChatID,
		"kind", out.Kind,
		"response_len", len(out.Content),
	)
}

func (b *Bridge) deliveryFailed(out bus.OutboundMessage, reason string) {
	b.events.Emit(events.SourceChannel, events.KindDeliveryFailed, map[string]any{
		"conversation_id": out.ConversationID(),
		"channel":         ChannelName,
		"error":           reason,
	})
}
