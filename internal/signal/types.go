// Package signal connects rotbot to Signal through signal-cli running
// in jsonRpc mode. Each sender, or group, is one bus conversation.
package signal

import "fmt"

// Envelope is the part of a signal-cli "receive" event rotbot reads.
// Typing indicators, receipts and sync events arrive without a
// DataMessage and are skipped.
type Envelope struct {
	Source      string       `json:"source"`
	SourceName  string       `json:"sourceName"`
	Timestamp   int64        `json:"timestamp"`
	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is a text message, possibly sent to a group. Reactions
// and attachment-only messages decode with an empty Message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

// Text is the message body, or "" for anything that is not text.
func (e *Envelope) Text() string {
	if e.DataMessage == nil {
		return ""
	}
	return e.DataMessage.Message
}

// ChatID is the reply address: "group.<id>" for group messages, the
// sender otherwise.
func (e *Envelope) ChatID() string {
	if dm := e.DataMessage; dm != nil && dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		return groupPrefix + dm.GroupInfo.GroupID
	}
	return e.Source
}

// SentAt prefers the data message timestamp over the envelope's. It is
// the id read receipts and the [ts:...] tag refer to.
func (e *Envelope) SentAt() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// TurnInput renders the envelope as the user message for a turn. The
// [ts:...] tag lets the model refer back to a specific message.
func (e *Envelope) TurnInput() string {
	sender := e.Source
	if e.SourceName != "" {
		sender = fmt.Sprintf("%s (%s)", e.SourceName, e.Source)
	}
	where := ""
	if dm := e.DataMessage; dm != nil && dm.GroupInfo != nil {
		where = " in group " + dm.GroupInfo.GroupID
	}
	return fmt.Sprintf("Signal message from %s%s [ts:%d]:\n\n%s", sender, where, e.SentAt(), e.Text())
}

// receiveNotification is the params of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

// sendResult is the result of a "send" call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
