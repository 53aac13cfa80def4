package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/internal/domain/event"
	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/metrics"
)

// ErrConversationRequired rejects packets missing the conversationId.
var ErrConversationRequired = errors.New("conversationId is required")

// ChatService owns the origin-node side of every client action:
// persist, ack, publish, and offline enqueue. The subscribe-side
// mirror lives in Fanout.
type ChatService struct {
	api       API
	publisher Publisher
	presence  Presencer
	parts     *ParticipantResolver
	logger    *slog.Logger
}

func NewChatService(api API, publisher Publisher, presence Presencer, parts *ParticipantResolver, logger *slog.Logger) *ChatService {
	return &ChatService{
		api:       api,
		publisher: publisher,
		presence:  presence,
		parts:     parts,
		logger:    logger.With("component", "chat"),
	}
}

// Persist stores the message and prepares both the origin ack and the
// cluster event. The caller must write the ack to the origin socket
// BEFORE calling Distribute: the origin device learns the canonical
// serverMsgId before any of its sibling devices sees the fan-out.
func (s *ChatService) Persist(ctx context.Context, ident Identity, data *model.ChatMessageData) (*model.ChatMessageAckData, *event.ChatEvent, error) {
	if data.ConversationID == 0 {
		return nil, nil, ErrConversationRequired
	}

	res, err := s.api.PersistMessage(ctx, ident.UserID, ident.DeviceID, &chatapi.PersistMessageRequest{
		ConversationID: data.ConversationID,
		MsgType:        data.MsgType,
		Content:        data.Content,
		Metadata:       data.Metadata,
		QuoteMsgID:     data.QuoteMsgID,
		AtUserIDs:      data.AtUserIDs,
		ClientMsgID:    data.MsgID,
	})
	if err != nil {
		return nil, nil, err
	}

	ack := &model.ChatMessageAckData{
		ClientMsgID:     data.MsgID,
		MsgID:           res.ServerMsgID,
		ServerTimestamp: res.ServerTimestamp,
		Success:         true,
	}

	body := res.Message
	if len(body) == 0 {
		// The service may omit the echo; rebuild the wire body so the
		// fan-out and offline payloads agree on serverMsgId.
		body, _ = json.Marshal(map[string]any{
			"msgId":          res.ServerMsgID,
			"conversationId": data.ConversationID,
			"senderId":       ident.UserID,
			"msgType":        data.MsgType,
			"content":        data.Content,
			"timestamp":      res.ServerTimestamp,
		})
	}

	ev := &event.ChatEvent{
		ConversationID: data.ConversationID,
		SenderID:       ident.UserID,
		SenderDeviceID: ident.DeviceID,
		ServerMsgID:    res.ServerMsgID,
		Message:        body,
	}
	return ack, ev, nil
}

// Distribute publishes the event and enqueues offline rows for
// participants with no live session anywhere in the cluster. It runs
// after the origin ack went out; the message is already durable, so
// every failure here is log-and-degrade, healed by reconnect sync.
func (s *ChatService) Distribute(ctx context.Context, ident Identity, ev *event.ChatEvent) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish failed, clients heal via sync",
			"channel", ev.Channel(), "msg_id", ev.ServerMsgID, "err", err)
	}

	participants, err := s.parts.Resolve(ctx, ev.ConversationID)
	if err != nil {
		s.logger.Warn("participant resolve failed, offline enqueue skipped",
			"conversation_id", ev.ConversationID, "err", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, userID := range participants {
		// Never queue for the sender: their origin device has the ack
		// and their siblings get the live fan-out.
		if userID == ev.SenderID {
			continue
		}
		g.Go(func() error {
			online, err := s.presence.IsOnline(gctx, userID)
			if err != nil {
				s.logger.Warn("presence lookup failed", "user_id", userID, "err", err)
				return nil
			}
			if online {
				return nil
			}
			err = s.api.EnqueueOffline(gctx, ident.UserID, ident.DeviceID, &chatapi.EnqueueOfflineRequest{
				TargetUserID:   userID,
				MessageID:      ev.ServerMsgID,
				ConversationID: ev.ConversationID,
			})
			if err != nil {
				s.logger.Warn("offline enqueue failed",
					"target_user_id", userID, "msg_id", ev.ServerMsgID, "err", err)
				return nil
			}
			metrics.OfflineEnqueued.Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// Typing publishes a best-effort typing notice. Nothing is persisted.
func (s *ChatService) Typing(ctx context.Context, ident Identity, data *model.TypingData) error {
	if data.ConversationID == 0 {
		return ErrConversationRequired
	}
	return s.publisher.Publish(ctx, &event.TypingEvent{
		ConversationID: data.ConversationID,
		UserID:         ident.UserID,
	})
}

// MarkRead advances the read cursor and tells the reader's other
// devices. Later cursors win at the API, so replays are harmless.
func (s *ChatService) MarkRead(ctx context.Context, ident Identity, data *model.ReadAckData) error {
	if data.ConversationID == 0 {
		return ErrConversationRequired
	}

	res, err := s.api.UpdateReadCursor(ctx, ident.UserID, ident.DeviceID, data.ConversationID, data.LastReadMsgID)
	if err != nil {
		return err
	}

	ev := &event.ReadEvent{
		UserID:         ident.UserID,
		OriginDeviceID: ident.DeviceID,
		ConversationID: data.ConversationID,
		LastReadMsgID:  data.LastReadMsgID,
	}
	if res != nil {
		ev.NotifyUserID = res.NotifyUserID
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("read event publish failed",
			"conversation_id", data.ConversationID, "err", err)
	}
	return nil
}

// Recall validates the recall with the persistence service (ownership
// and the time window live there) and broadcasts it on success.
func (s *ChatService) Recall(ctx context.Context, ident Identity, data *model.RecallMessageData) error {
	if data.ConversationID == 0 {
		return ErrConversationRequired
	}
	if err := s.api.RecallMessage(ctx, ident.UserID, ident.DeviceID, data.MsgID); err != nil {
		return err
	}

	ev := &event.RecallEvent{
		ConversationID: data.ConversationID,
		MsgID:          data.MsgID,
		RecalledBy:     ident.UserID,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("recall event publish failed", "msg_id", data.MsgID, "err", err)
	}
	return nil
}

// SyncSince serves reconnect catch-up for one conversation.
func (s *ChatService) SyncSince(ctx context.Context, ident Identity, data *model.SyncRequestData) (*model.SyncResponseData, error) {
	if data.ConversationID == 0 {
		return nil, ErrConversationRequired
	}
	limit := data.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	messages, err := s.api.GetMessagesForSync(ctx, ident.UserID, ident.DeviceID, data.ConversationID, data.AfterMsgID, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	if messages == nil {
		messages = []json.RawMessage{}
	}
	return &model.SyncResponseData{
		Success:    true,
		Messages:   messages,
		SyncCursor: time.Now().UnixMilli(),
	}, nil
}
