// Package events is an in-process broadcast bus for loop telemetry:
// turn lifecycle, model calls, tool executions and guardrail verdicts.
// Subscribers (the /v1/events SSE stream, tests) read buffered channels;
// a slow subscriber misses events instead of stalling a turn. Publish on
// a nil *Bus is a no-op, so components hold an optional bus without
// guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent     = "agent"
	SourceBus       = "bus"
	SourceGuardrail = "guardrail"
	SourceMCP       = "mcp"
	SourceChannel   = "channel"
	SourceHealth    = "health"
)

// Kinds. The Data keys each kind carries are listed beside it.
const (
	// KindTurnStart: turn_id, conversation_id, channel.
	KindTurnStart = "turn_start"
	// KindState: turn_id, from, to.
	KindState = "state"
	// KindLLMCall: turn_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: turn_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall: turn_id, call_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: turn_id, call_id, tool, ok, kind, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: turn_id, iterations, tokens_in, tokens_out, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnAborted: turn_id, reason.
	KindTurnAborted = "turn_aborted"

	// KindBlocked: direction, stage, categories.
	KindBlocked = "blocked"
	// KindModified: direction, stage, categories.
	KindModified = "modified"
	// KindProbeLimited: user_id.
	KindProbeLimited = "probe_limited"

	// KindMessageReceived: conversation_id, channel, message_len.
	KindMessageReceived = "message_received"
	// KindDeliveryFailed: conversation_id, channel, error.
	KindDeliveryFailed = "delivery_failed"

	// KindToolsPublished: server, tools, snapshot_version.
	KindToolsPublished = "tools_published"

	// KindServiceUp: service, kind.
	KindServiceUp = "service_up"
	// KindServiceDown: service, kind, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 suits an SSE consumer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
