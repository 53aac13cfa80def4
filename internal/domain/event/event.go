// Package event defines the cluster events exchanged between gateway
// nodes over the broker. Each event is published once by the node that
// accepted the triggering client packet and consumed by every node,
// the publisher included. Consumption is stateless beyond the session
// writes it produces.
package event

import "encoding/json"

// The four well-known broker channels. Every node subscribes to all of
// them with a node-local queue.
const (
	ChannelMessages   = "im:messages"
	ChannelTyping     = "im:typing"
	ChannelReadStatus = "im:read_status"
	ChannelRecall     = "im:recall"
)

// ClusterEvent ties a payload to the channel it travels on.
type ClusterEvent interface {
	Channel() string
}

// ChatEvent fans a persisted message out to every participant device.
// SenderDeviceID identifies the origin device, which already received
// the ack and must not receive the fan-out copy.
type ChatEvent struct {
	ConversationID int64           `json:"conversationId"`
	SenderID       int64           `json:"senderId"`
	SenderDeviceID string          `json:"senderDeviceId"`
	ServerMsgID    string          `json:"serverMsgId"`
	Message        json.RawMessage `json:"message"`
}

func (*ChatEvent) Channel() string { return ChannelMessages }

// TypingEvent is best-effort: never persisted, never queued offline.
type TypingEvent struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

func (*TypingEvent) Channel() string { return ChannelTyping }

// ReadEvent zeroes the unread counter on the reader's other devices.
// NotifyUserID is set when the persistence service identified a
// private-chat peer owed a read receipt; it travels with the event so
// any node holding that peer's sessions can deliver the notify.
type ReadEvent struct {
	UserID         int64  `json:"userId"`
	OriginDeviceID string `json:"originDeviceId"`
	ConversationID int64  `json:"conversationId"`
	LastReadMsgID  string `json:"lastReadMsgId"`
	NotifyUserID   int64  `json:"notifyUserId,omitempty"`
}

func (*ReadEvent) Channel() string { return ChannelReadStatus }

// RecallEvent reaches every participant session, the recaller's other
// devices included.
type RecallEvent struct {
	ConversationID int64  `json:"conversationId"`
	MsgID          string `json:"msgId"`
	RecalledBy     int64  `json:"recalledBy"`
}

func (*RecallEvent) Channel() string { return ChannelRecall }
