package model

import "encoding/json"

// OfflineMessage is one pending row of a device's offline queue as the
// persistence service returns it. QueueID is the server-side row id;
// delivery acks are keyed by MessageID, which is what the client sees
// and echoes back. Payload is the message body exactly as live fan-out
// would have carried it, so clients can deduplicate on serverMsgId.
type OfflineMessage struct {
	QueueID        string          `json:"queueId"`
	MessageID      string          `json:"messageId"`
	ConversationID int64           `json:"conversationId"`
	CreatedAt      int64           `json:"createdAt"`
	Payload        json.RawMessage `json:"messagePayload"`
}
