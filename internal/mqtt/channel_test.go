package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/rotbot/internal/bus"
	"github.com/nugget/rotbot/internal/config"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []*paho.Publish
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) published() []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paho.Publish(nil), f.sent...)
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "rotbot",
		DiscoveryPrefix: "homeassistant",
		RateLimit:       2,
	}
}

func newTestChannel(t *testing.T, runner bus.Runner) (*Channel, *bus.Bus) {
	t.Helper()
	if runner == nil {
		runner = bus.RunnerFunc(func(ctx context.Context, msg bus.InboundMessage, emit bus.Emitter) {
			emit(bus.ReplyTo(msg, bus.KindReply, "re:"+msg.Content))
		})
	}
	b := bus.New(runner, bus.Config{})
	t.Cleanup(func() { _ = b.Close() })
	return New(testConfig(), "test-instance", Deps{Bus: b, Model: "qwen3:4b"}), b
}

func TestTopics(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	if got := c.baseTopic(); got != "rotbot/rotbot" {
		t.Errorf("baseTopic() = %q, want %q", got, "rotbot/rotbot")
	}
	if got := c.inboundFilter(); got != "rotbot/rotbot/in/+" {
		t.Errorf("inboundFilter() = %q", got)
	}
	if got := c.outboundTopic("kitchen"); got != "rotbot/rotbot/out/kitchen" {
		t.Errorf("outboundTopic() = %q", got)
	}
	if got := c.availabilityTopic(); got != "rotbot/rotbot/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}
	if got := c.discoveryTopic("sensor", "uptime"); got != "homeassistant/sensor/rotbot/uptime/config" {
		t.Errorf("discoveryTopic() = %q", got)
	}
}

func TestTopics_BaseTopicOverride(t *testing.T) {
	cfg := testConfig()
	cfg.BaseTopic = "home/assistant"
	c := New(cfg, "id", Deps{})
	if got := c.outboundTopic("x"); got != "home/assistant/out/x" {
		t.Errorf("outboundTopic() = %q", got)
	}
}

func TestChatIDFromTopic(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"rotbot/rotbot/in/kitchen", "kitchen", true},
		{"rotbot/rotbot/in/", "", false},
		{"rotbot/rotbot/in/a/b", "", false},
		{"rotbot/rotbot/out/kitchen", "", false},
		{"other/in/kitchen", "", false},
	}
	for _, tt := range tests {
		got, ok := c.chatIDFromTopic(tt.topic)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("chatIDFromTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantContent string
		wantUser    string
		wantID      string
		wantErr     bool
	}{
		{name: "plain text", payload: "  turn on the lights ", wantContent: "turn on the lights"},
		{name: "json", payload: `{"id":"m1","message":"hello","user_id":"alice"}`, wantContent: "hello", wantUser: "alice", wantID: "m1"},
		{name: "empty", payload: "   ", wantErr: true},
		{name: "json without message", payload: `{"user_id":"alice"}`, wantErr: true},
		{name: "broken json", payload: `{"message":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseInbound("kitchen", []byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseInbound() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInbound() error = %v", err)
			}
			if msg.Channel != ChannelName || msg.ChatID != "kitchen" {
				t.Errorf("addressed to %s:%s, want mqtt:kitchen", msg.Channel, msg.ChatID)
			}
			if msg.Content != tt.wantContent || msg.UserID != tt.wantUser || msg.ID != tt.wantID {
				t.Errorf("parseInbound() = %+v", msg)
			}
		})
	}
}

func TestSensorDefinitions(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	defs := c.sensorDefinitions()
	if len(defs) != 6 {
		t.Fatalf("len(sensorDefinitions()) = %d, want 6", len(defs))
	}
	states := c.sensorStates()
	for _, d := range defs {
		if d.config.ObjectID != d.entity {
			t.Errorf("%s: ObjectID = %q", d.entity, d.config.ObjectID)
		}
		if !d.config.HasEntityName {
			t.Errorf("%s: HasEntityName = false", d.entity)
		}
		if !strings.HasPrefix(d.config.UniqueID, "test-instance_") {
			t.Errorf("%s: UniqueID = %q", d.entity, d.config.UniqueID)
		}
		if d.config.AvailabilityTopic != c.availabilityTopic() {
			t.Errorf("%s: AvailabilityTopic = %q", d.entity, d.config.AvailabilityTopic)
		}
		if _, ok := states[d.entity]; !ok {
			t.Errorf("%s: no state value", d.entity)
		}
	}
	if states["default_model"] != "qwen3:4b" {
		t.Errorf("default_model state = %q", states["default_model"])
	}
	if states["last_turn"] != "never" {
		t.Errorf("last_turn state = %q, want never", states["last_turn"])
	}
}

func TestPublishDiscovery(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	pub := &fakePublisher{}

	c.publishDiscovery(context.Background(), pub)

	sent := pub.published()
	if len(sent) != 6 {
		t.Fatalf("published %d discovery messages, want 6", len(sent))
	}
	for _, p := range sent {
		if !p.Retain || p.QoS != 1 {
			t.Errorf("%s: retain=%v qos=%d, want retained QoS 1", p.Topic, p.Retain, p.QoS)
		}
		var cfg SensorConfig
		if err := json.Unmarshal(p.Payload, &cfg); err != nil {
			t.Fatalf("%s: invalid payload: %v", p.Topic, err)
		}
		if cfg.Device.Manufacturer != "rotbot" {
			t.Errorf("%s: manufacturer = %q", p.Topic, cfg.Device.Manufacturer)
		}
	}
}

func TestHandleInbound_RoutesReply(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	pub := &fakePublisher{}
	c.pub = pub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unsub := c.bus.SubscribeChannel(ChannelName, c.enqueue)
	defer unsub()
	go c.drainOutbox(ctx)

	if !c.handleInbound("rotbot/rotbot/in/kitchen", []byte("hello")) {
		t.Fatal("handleInbound() = false for an inbound topic")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.published()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sent := pub.published()
	if len(sent) != 1 {
		t.Fatalf("published %d replies, want 1", len(sent))
	}
	if sent[0].Topic != "rotbot/rotbot/out/kitchen" {
		t.Errorf("reply topic = %q", sent[0].Topic)
	}
	var out bus.OutboundMessage
	if err := json.Unmarshal(sent[0].Payload, &out); err != nil {
		t.Fatalf("invalid reply payload: %v", err)
	}
	if out.Kind != bus.KindReply || out.Content != "re:hello" {
		t.Errorf("reply = %+v", out)
	}
}

func TestHandleInbound_IgnoresForeignTopic(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	if c.handleInbound("elsewhere/in/kitchen", []byte("hello")) {
		t.Error("handleInbound() = true for a foreign topic")
	}
}

func TestHandleInbound_RateLimited(t *testing.T) {
	started := make(chan string, 10)
	c, _ := newTestChannel(t, bus.RunnerFunc(func(ctx context.Context, msg bus.InboundMessage, emit bus.Emitter) {
		started <- msg.Content
		emit(bus.ReplyTo(msg, bus.KindReply, "ok"))
	}))

	for _, m := range []string{"one", "two", "three"} {
		c.handleInbound("rotbot/rotbot/in/kitchen", []byte(m))
	}

	got := 0
	timeout := time.After(500 * time.Millisecond)
	for got < 3 {
		select {
		case <-started:
			got++
		case <-timeout:
			if got != 2 {
				t.Errorf("ran %d turns, want 2 (limit)", got)
			}
			return
		}
	}
	t.Errorf("ran %d turns, want 2 (limit)", got)
}

func TestEnqueue_FinalOnly(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	in := bus.InboundMessage{Channel: ChannelName, ChatID: "kitchen", ID: "m1"}

	c.enqueue(bus.ReplyTo(in, bus.KindFragment, "par"))
	c.enqueue(bus.ReplyTo(in, bus.KindToolStart, ""))
	c.enqueue(bus.ReplyTo(in, bus.KindAborted, "stopped"))

	if len(c.outbox) != 1 {
		t.Fatalf("outbox holds %d messages, want 1", len(c.outbox))
	}
	if out := <-c.outbox; out.Kind != bus.KindAborted {
		t.Errorf("queued kind = %q, want aborted", out.Kind)
	}
}

func TestDeliver_PublishError(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	c.pub = &fakePublisher{err: errors.New("broker gone")}

	// A failed publish is logged and reported, never panics.
	c.deliver(context.Background(), bus.OutboundMessage{Kind: bus.KindReply, Channel: ChannelName, ChatID: "kitchen"})
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("empty instance id")
	}
	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateInstanceID() error = %v", err)
	}
	if again != id {
		t.Errorf("instance id changed: %q then %q", id, again)
	}
	if _, err := os.Stat(filepath.Join(dir, instanceFile)); err != nil {
		t.Errorf("instance file missing: %v", err)
	}
}
