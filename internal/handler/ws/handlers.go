package ws

import (
	"context"
	"errors"
	"time"

	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/metrics"
	"github.com/chatwire/im-gateway/internal/service"
)

// handleLogin authenticates the socket. Failure sends a LOGIN_RESPONSE
// with success=false and closes; the error text never distinguishes
// bad token from unknown user.
func (d *Dispatcher) handleLogin(_ context.Context, c *conn, p *model.Packet) bool {
	if c.sess() != nil {
		c.send(model.NewPacket(model.TypeLoginResponse, p.Seq, model.LoginResponseData{
			Success: false,
			Error:   "already authenticated",
		}))
		return true
	}

	var data model.LoginData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}

	fail := func() bool {
		c.send(model.NewPacket(model.TypeLoginResponse, p.Seq, model.LoginResponseData{
			Success: false,
			Error:   "invalid credentials",
		}))
		return false
	}

	if data.DeviceID == "" || !model.KnownDeviceType(data.DeviceType) {
		return fail()
	}

	ident, err := d.auth.Validate(data.Token, data.DeviceID)
	if err != nil {
		d.logger.Info("login rejected", "device_id", data.DeviceID)
		return fail()
	}
	ident.DeviceType = data.DeviceType

	// The session adopts the conn's mailbox, so frames enqueued before
	// and after login flow through the same FIFO.
	sess := registry.NewSession(context.Background(), ident.UserID, ident.DeviceID, ident.DeviceType, c.out)
	c.bind(sess, ident)
	if displaced := d.hub.Add(sess); displaced != nil {
		metrics.Kicked.Inc()
		d.logger.Info("displaced prior session",
			"user_id", ident.UserID, "device_id", ident.DeviceID, "old_socket", displaced.ID)
	}

	c.send(model.NewPacket(model.TypeLoginResponse, p.Seq, model.LoginResponseData{
		Success: true,
		UserID:  ident.UserID,
	}))
	d.logger.Info("session opened",
		"user_id", ident.UserID, "device_id", ident.DeviceID, "socket", sess.ID)
	return true
}

func (d *Dispatcher) handleLogout(_ context.Context, c *conn, p *model.Packet) bool {
	c.send(model.NewPacket(model.TypeLogoutResponse, p.Seq, model.LogoutResponseData{Success: true}))
	sess := c.sess()
	d.hub.RemoveBySocket(sess.UserID, sess.ID)
	return false
}

func (d *Dispatcher) handleHeartbeat(_ context.Context, c *conn, p *model.Packet) bool {
	c.send(model.NewPacket(model.TypeHeartbeatResponse, p.Seq, model.HeartbeatResponseData{
		ServerTime: time.Now().UnixMilli(),
	}))
	return true
}

// handleChatMessage persists, acks the origin, then distributes. The
// ack is enqueued on this socket's FIFO before Distribute runs, so the
// sender sees its serverMsgId before any sibling device sees the copy.
func (d *Dispatcher) handleChatMessage(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.ChatMessageData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}

	ack, ev, err := d.chat.Persist(ctx, c.ident, &data)
	if err != nil {
		c.send(model.NewPacket(model.TypeChatMessageAck, p.Seq, model.ChatMessageAckData{
			ClientMsgID: data.MsgID,
			Success:     false,
			Error:       failureReason(err),
		}))
		return true
	}

	c.send(model.NewPacket(model.TypeChatMessageAck, p.Seq, ack))
	d.chat.Distribute(ctx, c.ident, ev)
	return true
}

// handleTyping is fire-and-forget; a failed publish costs the peer one
// ephemeral notice.
func (d *Dispatcher) handleTyping(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.TypingData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}
	if err := d.chat.Typing(ctx, c.ident, &data); err != nil {
		d.logger.Debug("typing publish failed", "err", err)
	}
	return true
}

// handleReadAck advances the cursor. Failures are only logged: the
// operation is idempotent and the client re-sends on next read.
func (d *Dispatcher) handleReadAck(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.ReadAckData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}
	if err := d.chat.MarkRead(ctx, c.ident, &data); err != nil {
		d.logger.Warn("read cursor update failed",
			"conversation_id", data.ConversationID, "err", err)
	}
	return true
}

func (d *Dispatcher) handleRecall(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.RecallMessageData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}
	if err := d.chat.Recall(ctx, c.ident, &data); err != nil {
		c.send(model.NewPacket(model.TypeRecallAck, p.Seq, model.RecallAckData{
			Success: false,
			MsgID:   data.MsgID,
			Error:   failureReason(err),
		}))
		return true
	}
	c.send(model.NewPacket(model.TypeRecallAck, p.Seq, model.RecallAckData{
		Success: true,
		MsgID:   data.MsgID,
	}))
	return true
}

func (d *Dispatcher) handleSync(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.SyncRequestData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}
	res, err := d.chat.SyncSince(ctx, c.ident, &data)
	if err != nil {
		c.send(model.NewPacket(model.TypeServerError, p.Seq, model.ServerErrorData{
			Error: failureReason(err),
		}))
		return true
	}
	c.send(model.NewPacket(model.TypeSyncResponse, p.Seq, res))
	return true
}

// handleOfflineSync replays the pending queue. An empty queue answers
// with OFFLINE_SYNC_COMPLETE so the client can stop polling.
func (d *Dispatcher) handleOfflineSync(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.OfflineSyncRequestData
	if len(p.Data) > 0 {
		if err := p.DecodeData(&data); err != nil {
			return d.violation(c, p, err)
		}
	}
	res, err := d.offline.Pending(ctx, c.ident, data.Limit)
	if err != nil {
		c.send(model.NewPacket(model.TypeServerError, p.Seq, model.ServerErrorData{
			Error: failureReason(err),
		}))
		return true
	}
	if res.Count == 0 {
		c.send(model.NewPacket(model.TypeOfflineSyncComplete, p.Seq, model.OfflineSyncCompleteData{
			Success: true,
			Count:   0,
		}))
		return true
	}
	c.send(model.NewPacket(model.TypeOfflineSyncResponse, p.Seq, res))
	return true
}

func (d *Dispatcher) handleOfflineAck(ctx context.Context, c *conn, p *model.Packet) bool {
	var data model.OfflineSyncAckData
	if err := p.DecodeData(&data); err != nil {
		return d.violation(c, p, err)
	}
	if err := d.offline.Ack(ctx, c.ident, data.MessageIDs); err != nil {
		d.logger.Warn("offline ack failed",
			"user_id", c.ident.UserID, "count", len(data.MessageIDs), "err", err)
	}
	return true
}

// failureReason maps an internal error to client-safe text. Rejections
// from the persistence service carry their reason through; everything
// else collapses to a generic message.
func failureReason(err error) string {
	var apiErr *chatapi.APIError
	if errors.As(err, &apiErr) && apiErr.Reason != "" {
		return apiErr.Reason
	}
	if errors.Is(err, chatapi.ErrUnavailable) {
		return "service temporarily unavailable"
	}
	if errors.Is(err, service.ErrConversationRequired) {
		return err.Error()
	}
	return "internal error"
}
