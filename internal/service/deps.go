package service

import (
	"context"
	"encoding/json"

	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/internal/domain/event"
	"github.com/chatwire/im-gateway/internal/domain/model"
)

// API is the slice of the persistence service the gateway consumes.
// *chatapi.Client satisfies it; tests substitute fakes.
type API interface {
	PersistMessage(ctx context.Context, userID int64, deviceID string, req *chatapi.PersistMessageRequest) (*chatapi.PersistResult, error)
	RecallMessage(ctx context.Context, userID int64, deviceID, msgID string) error
	UpdateReadCursor(ctx context.Context, userID int64, deviceID string, conversationID int64, lastReadMsgID string) (*chatapi.ReadCursorResult, error)
	GetParticipants(ctx context.Context, conversationID int64) ([]int64, error)
	GetMessagesForSync(ctx context.Context, userID int64, deviceID string, conversationID int64, afterMsgID string, limit int) ([]json.RawMessage, error)
	GetPendingOffline(ctx context.Context, userID int64, deviceID string, limit int) ([]model.OfflineMessage, error)
	AckOffline(ctx context.Context, userID int64, deviceID string, messageIDs []string) error
	EnqueueOffline(ctx context.Context, userID int64, deviceID string, req *chatapi.EnqueueOfflineRequest) error
}

// Publisher pushes cluster events onto their broker channel.
type Publisher interface {
	Publish(ctx context.Context, ev event.ClusterEvent) error
}

// Presencer is the cluster-wide online index.
type Presencer interface {
	SessionOpened(ctx context.Context, userID int64) (first bool, err error)
	SessionClosed(ctx context.Context, userID int64) (last bool, err error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
}
