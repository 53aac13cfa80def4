package model

import "encoding/json"

// DeviceType enumerates the client platforms a user may be signed in on.
type DeviceType string

const (
	DeviceWeb     DeviceType = "web"
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
	DevicePC      DeviceType = "pc"
	DeviceTablet  DeviceType = "tablet"
)

// KnownDeviceType reports whether t is one of the supported platforms.
func KnownDeviceType(t DeviceType) bool {
	switch t {
	case DeviceWeb, DeviceIOS, DeviceAndroid, DevicePC, DeviceTablet:
		return true
	}
	return false
}

// ------------------- CLIENT -> SERVER bodies -------------------

type LoginData struct {
	Token      string     `json:"token"`
	DeviceID   string     `json:"deviceId"`
	DeviceType DeviceType `json:"deviceType"`
}

type ChatMessageData struct {
	MsgID          string          `json:"msgId"` // client-assigned, echoed in the ack
	ConversationID int64           `json:"conversationId"`
	MsgType        string          `json:"msgType"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	QuoteMsgID     string          `json:"quoteMsgId,omitempty"`
	AtUserIDs      []int64         `json:"atUserIds,omitempty"`
}

type TypingData struct {
	ConversationID int64 `json:"conversationId"`
}

type ReadAckData struct {
	ConversationID int64  `json:"conversationId"`
	LastReadMsgID  string `json:"lastReadMsgId"`
}

type RecallMessageData struct {
	MsgID          string `json:"msgId"`
	ConversationID int64  `json:"conversationId"`
}

type SyncRequestData struct {
	ConversationID int64  `json:"conversationId"`
	AfterMsgID     string `json:"afterMsgId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type OfflineSyncRequestData struct {
	Limit int `json:"limit,omitempty"`
}

type OfflineSyncAckData struct {
	MessageIDs []string `json:"messageIds"`
}

// ------------------- SERVER -> CLIENT bodies -------------------

type LoginResponseData struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type LogoutResponseData struct {
	Success bool `json:"success"`
}

type HeartbeatResponseData struct {
	ServerTime int64 `json:"serverTime"`
}

type ChatMessageAckData struct {
	ClientMsgID     string `json:"clientMsgId"`
	MsgID           string `json:"msgId,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

type ReceiveMessageData struct {
	ConversationID int64           `json:"conversationId"`
	SenderID       int64           `json:"senderId"`
	MsgID          string          `json:"msgId"`
	Message        json.RawMessage `json:"message"`
}

type TypingNotifyData struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

type RecallAckData struct {
	Success bool   `json:"success"`
	MsgID   string `json:"msgId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type RecallNotifyData struct {
	ConversationID int64  `json:"conversationId"`
	MsgID          string `json:"msgId"`
	RecalledBy     int64  `json:"recalledBy"`
}

type ReadReceiptNotifyData struct {
	ConversationID int64  `json:"conversationId"`
	ReaderID       int64  `json:"readerId"`
	LastReadMsgID  string `json:"lastReadMsgId"`
}

type SyncResponseData struct {
	Success    bool              `json:"success"`
	Messages   []json.RawMessage `json:"messages"`
	SyncCursor int64             `json:"syncCursor"`
}

type OfflineSyncResponseData struct {
	Success  bool              `json:"success"`
	Messages []json.RawMessage `json:"messages"`
	Count    int               `json:"count"`
}

type OfflineSyncCompleteData struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

type KickedOfflineData struct {
	Reason string `json:"reason"`
}

type ServerErrorData struct {
	Error string `json:"error"`
}
