package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatwire/im-gateway/internal/domain/model"
)

// ErrUnavailable covers transport failures, timeouts and an open
// circuit breaker. Callers treat it as a transient dependency error.
var ErrUnavailable = errors.New("chat api unavailable")

// APIError is a rejection from the persistence service. Reason is
// already client-safe; the service never leaks internals through it.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Reason)
}

// PersistMessageRequest carries everything the persistence service
// needs to durably store one chat message.
type PersistMessageRequest struct {
	ConversationID int64           `json:"conversationId"`
	MsgType        string          `json:"msgType"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	QuoteMsgID     string          `json:"quoteMsgId,omitempty"`
	AtUserIDs      []int64         `json:"atUserIds,omitempty"`
	ClientMsgID    string          `json:"clientMsgId"`
}

// PersistResult is the canonical identity assigned to a stored message.
type PersistResult struct {
	ServerMsgID     string          `json:"serverMsgId"`
	ServerTimestamp int64           `json:"serverTimestamp"`
	Message         json.RawMessage `json:"message"`
}

// ReadCursorResult optionally names a private-chat peer to notify.
type ReadCursorResult struct {
	NotifyUserID int64 `json:"notifyUserId,omitempty"`
}

// EnqueueOfflineRequest inserts an offline row keyed on
// (targetUserId, messageId); the service's existence predicate makes
// the insert idempotent. An empty TargetDeviceID means "first device
// of that user to connect".
type EnqueueOfflineRequest struct {
	TargetUserID   int64  `json:"targetUserId"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
	MessageID      string `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
}

type participantsResponse struct {
	UserIDs []int64 `json:"userIds"`
}

type syncResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

type pendingOfflineResponse struct {
	Messages []model.OfflineMessage `json:"messages"`
}

type recallResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
