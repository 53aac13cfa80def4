package service

import (
	"context"
	"log/slog"

	"github.com/chatwire/im-gateway/internal/domain/event"
	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/metrics"
)

// Fanout is the subscribe-side engine: it turns one cluster event into
// targeted frames for every recipient session on this node. Origin
// suppression happens here; offline enqueueing does not (that is the
// publisher node's job, done once at publish time).
type Fanout struct {
	hub    *registry.Hub
	parts  *ParticipantResolver
	logger *slog.Logger
}

func NewFanout(hub *registry.Hub, parts *ParticipantResolver, logger *slog.Logger) *Fanout {
	return &Fanout{hub: hub, parts: parts, logger: logger.With("component", "fanout")}
}

// OnChat delivers RECEIVE_MESSAGE to every participant session except
// the origin device, which already holds the ack.
func (f *Fanout) OnChat(ctx context.Context, ev *event.ChatEvent) error {
	participants := f.resolve(ctx, ev.ConversationID)

	frame := model.NewPacket(model.TypeReceiveMessage, "", model.ReceiveMessageData{
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		MsgID:          ev.ServerMsgID,
		Message:        ev.Message,
	})

	for _, userID := range participants {
		for _, sess := range f.hub.GetByUserID(userID) {
			if userID == ev.SenderID && sess.DeviceID == ev.SenderDeviceID {
				continue // origin device: ack already delivered
			}
			f.deliver(sess, frame, "chat")
		}
	}
	return nil
}

// OnTyping notifies every participant except the typing user.
func (f *Fanout) OnTyping(ctx context.Context, ev *event.TypingEvent) error {
	participants := f.resolve(ctx, ev.ConversationID)

	frame := model.NewPacket(model.TypeTypingNotify, "", model.TypingNotifyData{
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
	})

	for _, userID := range participants {
		if userID == ev.UserID {
			continue
		}
		for _, sess := range f.hub.GetByUserID(userID) {
			f.deliver(sess, frame, "typing")
		}
	}
	return nil
}

// OnRead mirrors the cursor to the reader's other devices and, when a
// notify target rode along, delivers the private-chat read receipt.
func (f *Fanout) OnRead(_ context.Context, ev *event.ReadEvent) error {
	cursorFrame := model.NewPacket(model.TypeReadAck, "", model.ReadAckData{
		ConversationID: ev.ConversationID,
		LastReadMsgID:  ev.LastReadMsgID,
	})
	for _, sess := range f.hub.GetByUserID(ev.UserID) {
		if sess.DeviceID == ev.OriginDeviceID {
			continue // the device that read it knows already
		}
		f.deliver(sess, cursorFrame, "read")
	}

	if ev.NotifyUserID == 0 {
		return nil
	}
	receiptFrame := model.NewPacket(model.TypeReadReceiptNotify, "", model.ReadReceiptNotifyData{
		ConversationID: ev.ConversationID,
		ReaderID:       ev.UserID,
		LastReadMsgID:  ev.LastReadMsgID,
	})
	for _, sess := range f.hub.GetByUserID(ev.NotifyUserID) {
		f.deliver(sess, receiptFrame, "read_receipt")
	}
	return nil
}

// OnRecall reaches every participant session, the recaller's other
// devices included.
func (f *Fanout) OnRecall(ctx context.Context, ev *event.RecallEvent) error {
	participants := f.resolve(ctx, ev.ConversationID)

	frame := model.NewPacket(model.TypeRecallNotify, "", model.RecallNotifyData{
		ConversationID: ev.ConversationID,
		MsgID:          ev.MsgID,
		RecalledBy:     ev.RecalledBy,
	})
	for _, userID := range participants {
		for _, sess := range f.hub.GetByUserID(userID) {
			f.deliver(sess, frame, "recall")
		}
	}
	return nil
}

// resolve degrades to an empty participant set on dependency failure;
// affected clients recover via pull.
func (f *Fanout) resolve(ctx context.Context, conversationID int64) []int64 {
	participants, err := f.parts.Resolve(ctx, conversationID)
	if err != nil {
		f.logger.Warn("participant resolve failed, fan-out degraded to none",
			"conversation_id", conversationID, "err", err)
		return nil
	}
	return participants
}

// deliver enqueues one frame on a session FIFO. A full mailbox means
// the client stopped draining; the session is dropped, and the device
// picks the durable messages up through offline replay on reconnect.
func (f *Fanout) deliver(sess *registry.Session, frame *model.Packet, evName string) {
	if !sess.Send(frame) {
		f.logger.Warn("session mailbox overflow, dropping session",
			"user_id", sess.UserID, "device_id", sess.DeviceID)
		f.hub.Drop(sess)
		return
	}
	metrics.FanoutDelivered.WithLabelValues(evName).Inc()
}
