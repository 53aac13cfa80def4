package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/metrics"
)

// OfflineService replays queued messages to a device that just
// reconnected and records the device's delivery acks. Rows become
// "delivered" only after the client acked them; a crash between
// replay and ack re-delivers, and the client deduplicates on
// serverMsgId.
type OfflineService struct {
	api    API
	logger *slog.Logger
}

func NewOfflineService(api API, logger *slog.Logger) *OfflineService {
	return &OfflineService{api: api, logger: logger.With("component", "offline")}
}

// Pending builds the replay batch for a reconnected device, oldest
// first.
func (s *OfflineService) Pending(ctx context.Context, ident Identity, limit int) (*model.OfflineSyncResponseData, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.api.GetPendingOffline(ctx, ident.UserID, ident.DeviceID, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.Payload)
	}
	metrics.OfflineReplayed.Add(float64(len(messages)))

	return &model.OfflineSyncResponseData{
		Success:  true,
		Messages: messages,
		Count:    len(messages),
	}, nil
}

// Ack marks replayed rows delivered. An empty id list is a client
// quirk worth a log line, not an error; duplicate acks are a no-op at
// the persistence service.
func (s *OfflineService) Ack(ctx context.Context, ident Identity, messageIDs []string) error {
	if len(messageIDs) == 0 {
		s.logger.Warn("offline ack with empty message id list",
			"user_id", ident.UserID, "device_id", ident.DeviceID)
		return nil
	}
	return s.api.AckOffline(ctx, ident.UserID, ident.DeviceID, messageIDs)
}
