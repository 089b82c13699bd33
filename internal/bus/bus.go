// Package bus routes inbound channel messages to the agent and the
// agent's replies back out.
//
// Each conversation ("channel:chat_id") gets its own worker goroutine
// while it has work. A worker runs one turn at a time, so messages for a
// conversation are handled in arrival order and never interleave, while
// different conversations proceed in parallel. A worker exits when its
// queue drains.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/rotbot/internal/events"
	"github.com/nugget/rotbot/internal/guardrails"
	"github.com/nugget/rotbot/internal/prompts"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// ErrQueueFull is returned when a conversation already has the maximum
// number of waiting messages.
var ErrQueueFull = errors.New("bus: conversation queue full")

// DefaultMaxPending bounds each conversation's waiting messages.
const DefaultMaxPending = 32

// Emitter sends outbound messages for the turn being run.
type Emitter func(OutboundMessage)

// Runner runs one turn. It must emit exactly one final message
// (KindReply or KindAborted) and return when the turn is over. ctx is
// cancelled by Cancel and Close.
type Runner interface {
	RunTurn(ctx context.Context, msg InboundMessage, emit Emitter)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, msg InboundMessage, emit Emitter)

// RunTurn implements Runner.
func (f RunnerFunc) RunTurn(ctx context.Context, msg InboundMessage, emit Emitter) {
	f(ctx, msg, emit)
}

// Handler receives outbound messages. Handlers are called from worker
// goroutines and must not block for long.
type Handler func(OutboundMessage)

// Config configures a Bus.
type Config struct {
	MaxPending int
	Logger     *slog.Logger
	Events     *events.Bus
}

type worker struct {
	queue  []InboundMessage
	cancel context.CancelFunc // current turn, nil between turns
}

// Bus is the message bus.
type Bus struct {
	runner     Runner
	maxPending int
	logger     *slog.Logger
	events     *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	workers   map[string]*worker
	convSinks map[string]map[uint64]Handler
	chanSinks map[string]map[uint64]Handler
	nextSub   uint64
}

// New returns a bus that hands turns to runner.
func New(runner Runner, cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		runner:     runner,
		maxPending: cfg.MaxPending,
		logger:     cfg.Logger.With("component", "bus"),
		events:     cfg.Events,
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
		convSinks:  make(map[string]map[uint64]Handler),
		chanSinks:  make(map[string]map[uint64]Handler),
	}
}

// Publish enqueues msg under its conversation. If a turn is running for
// that conversation the message waits for it to finish. ctx only bounds
// the enqueue; the turn runs under the bus's own lifetime.
func (b *Bus) Publish(ctx context.Context, msg InboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	convID := msg.ConversationID()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	w, running := b.workers[convID]
	if !running {
		w = &worker{}
		b.workers[convID] = w
	}
	if len(w.queue) >= b.maxPending {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueFull, convID)
	}
	w.queue = append(w.queue, msg)
	depth := len(w.queue)
	if !running {
		b.wg.Add(1)
		go b.work(convID, w)
	}
	b.mu.Unlock()

	b.logger.Debug("message queued",
		"conversation", convID,
		"message_id", msg.ID,
		"pending", depth,
		"content", guardrails.SanitizeForLogging(msg.Content, 80),
	)
	b.events.Emit(events.SourceBus, events.KindMessageReceived, map[string]any{
		"conversation_id": convID,
		"channel":         msg.Channel,
		"message_len":     len(msg.Content),
	})
	return nil
}

// work drains one conversation's queue, one turn at a time.
func (b *Bus) work(convID string, w *worker) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(w.queue) == 0 || b.closed {
			delete(b.workers, convID)
			b.mu.Unlock()
			return
		}
		msg := w.queue[0]
		w.queue = w.queue[1:]
		ctx, cancel := context.WithCancel(b.ctx)
		w.cancel = cancel
		b.mu.Unlock()

		b.runTurn(ctx, msg)

		cancel()
		b.mu.Lock()
		w.cancel = nil
		b.mu.Unlock()
	}
}

func (b *Bus) runTurn(ctx context.Context, msg InboundMessage) {
	var final atomic.Bool
	emit := func(out OutboundMessage) {
		if out.Channel == "" {
			out.Channel, out.ChatID = msg.Channel, msg.ChatID
		}
		if out.InReplyTo == "" {
			out.InReplyTo = msg.ID
		}
		if out.Timestamp.IsZero() {
			out.Timestamp = time.Now()
		}
		if out.Kind.Final() {
			final.Store(true)
		}
		b.Deliver(out)
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("turn panicked",
				"conversation", msg.ConversationID(), "message_id", msg.ID, "panic", r)
		}
		if !final.Load() {
			emit(ReplyTo(msg, KindAborted, "Sorry, something went wrong while handling that message."))
		}
	}()

	b.runner.RunTurn(ctx, msg, emit)
}

// Deliver sends out to every sink for its conversation and every sink
// for its channel. A message with no sink is logged and dropped; a
// panicking sink is recovered.
func (b *Bus) Deliver(out OutboundMessage) {
	convID := out.ConversationID()

	b.mu.Lock()
	var sinks []Handler
	for _, h := range b.convSinks[convID] {
		sinks = append(sinks, h)
	}
	for _, h := range b.chanSinks[out.Channel] {
		sinks = append(sinks, h)
	}
	b.mu.Unlock()

	if len(sinks) == 0 {
		if out.Kind.Final() {
			b.logger.Warn("no sink for reply, dropping",
				"conversation", convID, "kind", out.Kind)
			b.events.Emit(events.SourceBus, events.KindDeliveryFailed, map[string]any{
				"conversation_id": convID,
				"channel":         out.Channel,
				"error":           "no subscriber",
			})
		}
		return
	}
	for _, h := range sinks {
		b.safeDeliver(h, out)
	}
}

func (b *Bus) safeDeliver(h Handler, out OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("outbound handler panicked",
				"conversation", out.ConversationID(), "kind", out.Kind, "panic", r)
			b.events.Emit(events.SourceBus, events.KindDeliveryFailed, map[string]any{
				"conversation_id": out.ConversationID(),
				"channel":         out.Channel,
				"error":           fmt.Sprint(r),
			})
		}
	}()
	h(out)
}

// Subscribe registers h for one conversation's outbound messages. The
// returned function removes it.
func (b *Bus) Subscribe(conversationID string, h Handler) func() {
	return b.subscribe(b.convSinks, conversationID, h)
}

// SubscribeChannel registers h for every conversation on a channel.
func (b *Bus) SubscribeChannel(channel string, h Handler) func() {
	return b.subscribe(b.chanSinks, channel, h)
}

func (b *Bus) subscribe(m map[string]map[uint64]Handler, key string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	if m[key] == nil {
		m[key] = make(map[uint64]Handler)
	}
	m[key][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(m[key], id)
			if len(m[key]) == 0 {
				delete(m, key)
			}
		})
	}
}

// Cancel stops the conversation's running turn and discards its waiting
// messages. Each discarded message gets a KindAborted reply so a caller
// blocked in Send returns. It returns the number of messages discarded.
func (b *Bus) Cancel(conversationID string) int {
	b.mu.Lock()
	w, ok := b.workers[conversationID]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	dropped := w.queue
	w.queue = nil
	if w.cancel != nil {
		w.cancel()
	}
	b.mu.Unlock()

	b.logger.Info("conversation cancelled", "conversation", conversationID, "dropped", len(dropped))
	b.abandon(dropped)
	return len(dropped)
}

// abandon answers messages that will never get a turn.
func (b *Bus) abandon(msgs []InboundMessage) {
	for _, msg := range msgs {
		b.Deliver(ReplyTo(msg, KindAborted, prompts.CancelledReply))
	}
}

// Pending returns how many messages wait behind the running turn.
func (b *Bus) Pending(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workers[conversationID]; ok {
		return len(w.queue)
	}
	return 0
}

// Active returns the conversations that currently have a worker.
func (b *Bus) Active() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops accepting messages, cancels running turns, and waits for
// every worker to exit. Waiting messages are discarded with a KindAborted
// reply each.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var dropped []InboundMessage
	for _, w := range b.workers {
		dropped = append(dropped, w.queue...)
		w.queue = nil
	}
	b.mu.Unlock()

	b.abandon(dropped)
	b.cancel()
	b.wg.Wait()
	b.logger.Info("bus closed")
	return nil
}

// Send publishes msg and waits for its final reply. onUpdate, if not
// nil, receives every non-final message for the turn (fragments, tool
// events) on the calling goroutine, so it may write to a connection the
// caller owns. Send is the synchronous entry point for request/response
// surfaces such as the HTTP API and the CLI.
func (b *Bus) Send(ctx context.Context, msg InboundMessage, onUpdate Handler) (OutboundMessage, error) {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	updates := make(chan OutboundMessage, 64)
	done := make(chan struct{})
	defer close(done)
	unsub := b.Subscribe(msg.ConversationID(), func(out OutboundMessage) {
		if out.InReplyTo != msg.ID {
			return
		}
		select {
		case updates <- out:
		case <-done:
		}
	})
	defer unsub()

	if err := b.Publish(ctx, msg); err != nil {
		return OutboundMessage{}, err
	}
	for {
		select {
		case out := <-updates:
			if out.Kind.Final() {
				return out, nil
			}
			if onUpdate != nil {
				onUpdate(out)
			}
		case <-ctx.Done():
			return OutboundMessage{}, ctx.Err()
		}
	}
}
