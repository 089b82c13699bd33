package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/rotbot/internal/buildinfo"
	"github.com/nugget/rotbot/internal/bus"
	"github.com/nugget/rotbot/internal/config"
	"github.com/nugget/rotbot/internal/events"
	"github.com/nugget/rotbot/internal/ratelimit"
)

// ChannelName is the bus channel for MQTT conversations.
const ChannelName = "mqtt"

const (
	outboxSize     = 64
	publishTimeout = 10 * time.Second
	connectTimeout = 30 * time.Second
)

// publisher is the slice of autopaho's connection manager the channel
// writes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Deps are the collaborators a Channel needs. Bus is required.
type Deps struct {
	Bus    *bus.Bus
	Tokens *DailyTokens
	Events *events.Bus
	// Model is reported by the default_model sensor.
	Model  string
	Logger *slog.Logger
}

// Channel connects rotbot to an MQTT broker.
type Channel struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *bus.Bus
	tokens     *DailyTokens
	events     *events.Bus
	model      string
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	outbox chan bus.OutboundMessage

	mu  sync.Mutex
	ctx context.Context
	pub publisher
	cm  *autopaho.ConnectionManager
}

// New creates a channel but does not connect. Call Start.
func New(cfg config.MQTTConfig, instanceID string, deps Deps) *Channel {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Minute
	}
	return &Channel{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        deps.Bus,
		tokens:     tokens,
		events:     deps.Events,
		model:      deps.Model,
		limiter:    ratelimit.New(cfg.RateLimit, time.Minute),
		logger:     logger.With("component", "mqtt"),
		outbox:     make(chan bus.OutboundMessage, outboxSize),
		ctx:        context.Background(),
	}
}

// --- Topic helpers ---

func (c *Channel) baseTopic() string         { return c.cfg.Topic() }
func (c *Channel) availabilityTopic() string { return c.baseTopic() + "/availability" }
func (c *Channel) inboundFilter() string     { return c.baseTopic() + "/in/+" }

func (c *Channel) outboundTopic(chatID string) string {
	return c.baseTopic() + "/out/" + chatID
}

func (c *Channel) stateTopic(entity string) string {
	return c.baseTopic() + "/" + entity + "/state"
}

func (c *Channel) discoveryTopic(component, entity string) string {
	return c.cfg.DiscoveryPrefix + "/" + component + "/" + c.cfg.DeviceName + "/" + entity + "/config"
}

// chatIDFromTopic extracts <chat_id> from <base>/in/<chat_id>.
func (c *Channel) chatIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, c.baseTopic()+"/in/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// Start connects to the broker, routes messages in both directions and
// refreshes sensor states until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			c.publishDiscovery(ctx, cm)
			c.publishAvailability(ctx, cm, "online")
			c.subscribeInbound(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "rotbot-" + c.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return c.handleInbound(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	unsub := c.bus.SubscribeChannel(ChannelName, c.enqueue)
	defer unsub()

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mu.Lock()
	c.cm, c.pub = cm, cm
	c.mu.Unlock()
	go c.drainOutbox(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	c.runStateLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	c.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (c *Channel) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt channel not started")
	}
	return cm.AwaitConnection(ctx)
}

func (c *Channel) subscribeInbound(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := c.inboundFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		c.logger.Warn("mqtt subscribe failed", "topic", filter, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "topic", filter)
}

// --- Inbound ---

// inboundPayload is the JSON form of an inbound message. Plain-text
// payloads are accepted too.
type inboundPayload struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// parseInbound builds the bus message for a payload received on chatID's
// inbound topic.
func parseInbound(chatID string, payload []byte) (bus.InboundMessage, error) {
	msg := bus.InboundMessage{Channel: ChannelName, ChatID: chatID}
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var p inboundPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return msg, fmt.Errorf("invalid JSON payload: %w", err)
		}
		msg.ID = p.ID
		msg.UserID = p.UserID
		text = strings.TrimSpace(p.Message)
	}
	if text == "" {
		return msg, errors.New("empty message")
	}
	msg.Content = text
	return msg, nil
}

// handleInbound reports whether topic was one of ours.
func (c *Channel) handleInbound(topic string, payload []byte) bool {
	chatID, ok := c.chatIDFromTopic(topic)
	if !ok {
		return false
	}
	log := c.logger.With("chat_id", chatID)

	msg, err := parseInbound(chatID, payload)
	if err != nil {
		log.Debug("mqtt inbound rejected", "error", err, "payload_size", len(payload))
		return true
	}
	if !c.limiter.Allow(chatID) {
		log.Warn("mqtt message rate-limited")
		return true
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if err := c.bus.Publish(ctx, msg); err != nil {
		log.Warn("mqtt message not queued", "error", err)
		c.enqueue(bus.ReplyTo(msg, bus.KindAborted, "Message not accepted: "+err.Error()))
	}
	return true
}

// --- Outbound ---

// enqueue is the bus sink. Only final messages are published; fragments
// and tool events stay in-process.
func (c *Channel) enqueue(out bus.OutboundMessage) {
	if !out.Kind.Final() {
		return
	}
	select {
	case c.outbox <- out:
	default:
		c.logger.Warn("mqtt outbox full, dropping reply", "chat_id", out.ChatID)
		c.deliveryFailed(out, "outbox full")
	}
}

func (c *Channel) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.outbox:
			c.deliver(ctx, out)
		}
	}
}

func (c *Channel) deliver(ctx context.Context, out bus.OutboundMessage) {
	payload, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("mqtt marshal reply", "error", err)
		return
	}
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		c.deliveryFailed(out, "not connected")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := pub.Publish(pctx, &paho.Publish{
		Topic:   c.outboundTopic(out.ChatID),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		c.logger.Warn("mqtt reply publish failed", "chat_id", out.ChatID, "error", err)
		c.deliveryFailed(out, err.Error())
		return
	}
	c.logger.Debug("mqtt reply published", "chat_id", out.ChatID, "kind", out.Kind)
}

func (c *Channel) deliveryFailed(out bus.OutboundMessage, reason string) {
	c.events.Emit(events.SourceChannel, events.KindDeliveryFailed, map[string]any{
		"conversation_id": out.ConversationID(),
		"channel":         ChannelName,
		"error":           reason,
	})
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (c *Channel) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          c.instanceID + "_" + entity,
		StateTopic:        c.stateTopic(entity),
		AvailabilityTopic: c.availabilityTopic(),
		Device:            c.device,
		Icon:              icon,
	}
}

func (c *Channel) sensorDefinitions() []sensorDef {
	uptime := c.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	version := c.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"
	active := c.sensor("active_conversations", "Active Conversations", "mdi:chat-processing")
	active.StateClass = "measurement"
	tokens := c.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"
	last := c.sensor("last_turn", "Last Turn", "mdi:clock-check")
	last.EntityCategory = "diagnostic"
	model := c.sensor("default_model", "Default Model", "mdi:brain")
	model.EntityCategory = "diagnostic"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"active_conversations", active},
		{"tokens_today", tokens},
		{"last_turn", last},
		{"default_model", model},
	}
}

func (c *Channel) publishDiscovery(ctx context.Context, pub publisher) {
	for _, s := range c.sensorDefinitions() {
		topic := c.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (c *Channel) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	c.logger.Info("mqtt availability published", "status", status)
}

// --- Periodic state loop ---

func (c *Channel) runStateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	c.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishStates(ctx)
			if dropped := c.limiter.Dropped(); len(dropped) > 0 {
				c.logger.Warn("mqtt messages dropped by rate limit", "chats", dropped)
			}
		}
	}
}

func (c *Channel) sensorStates() map[string]string {
	input, output, _ := c.tokens.Snapshot()
	last := "never"
	if t := c.tokens.LastTurn(); !t.IsZero() {
		last = t.Format(time.RFC3339)
	}
	return map[string]string{
		"uptime":               buildinfo.Uptime().Truncate(time.Second).String(),
		"version":              buildinfo.Version,
		"active_conversations": strconv.Itoa(len(c.bus.Active())),
		"tokens_today":         strconv.FormatInt(input+output, 10),
		"last_turn":            last,
		"default_model":        c.model,
	}
}

func (c *Channel) publishStates(ctx context.Context) {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return
	}
	states := c.sensorStates()
	for entity, value := range states {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   c.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			c.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	c.logger.Debug("mqtt sensor states published", "entities", len(states))
}
