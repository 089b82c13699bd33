package bus

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage is a user message from a channel.
type InboundMessage struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	UserID    string            `json:"user_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ConversationID is the serialization key, "channel:chat_id".
func (m InboundMessage) ConversationID() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundKind classifies an outbound message.
type OutboundKind string

const (
	// KindFragment is a streamed piece of the reply text.
	KindFragment OutboundKind = "fragment"
	// KindReset discards the fragments streamed so far in the turn.
	// Fragments that follow start the reply over.
	KindReset OutboundKind = "reset"
	// KindToolStart and KindToolEnd bracket one tool execution.
	KindToolStart OutboundKind = "tool_start"
	KindToolEnd   OutboundKind = "tool_end"
	// KindReply is the final reply of a completed turn.
	KindReply OutboundKind = "reply"
	// KindAborted is the final message of a turn that did not complete.
	// Content carries the user-visible explanation.
	KindAborted OutboundKind = "aborted"
)

// Final reports whether k ends a turn.
func (k OutboundKind) Final() bool {
	return k == KindReply || k == KindAborted
}

// OutboundMessage is something the agent sends back toward a channel.
type OutboundMessage struct {
	Kind      OutboundKind `json:"kind"`
	Channel   string       `json:"channel"`
	ChatID    string       `json:"chat_id"`
	InReplyTo string       `json:"in_reply_to,omitempty"`
	TurnID    string       `json:"turn_id,omitempty"`
	Content   string       `json:"content,omitempty"`

	// Tool events only.
	Tool   string `json:"tool,omitempty"`
	CallID string `json:"call_id,omitempty"`
	OK     bool   `json:"ok,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ConversationID is the conversation this message belongs to.
func (m OutboundMessage) ConversationID() string {
	return m.Channel + ":" + m.ChatID
}

// ReplyTo builds an outbound message addressed to the sender of in.
func ReplyTo(in InboundMessage, kind OutboundKind, content string) OutboundMessage {
	return OutboundMessage{
		Kind:      kind,
		Channel:   in.Channel,
		ChatID:    in.ChatID,
		InReplyTo: in.ID,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func newMessageID() string {
	id, _ := uuid.NewV7()
	return id.String()
}
