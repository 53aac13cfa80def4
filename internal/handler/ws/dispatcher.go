package ws

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/metrics"
	"github.com/chatwire/im-gateway/internal/service"
)

const (
	violationWindow = 10 * time.Second
	violationLimit  = 3
)

// packetHandler processes one authenticated frame. Returning false
// closes the connection.
type packetHandler func(ctx context.Context, c *conn, p *model.Packet) bool

// Dispatcher routes decoded frames to their handlers. It enforces the
// auth gate: before LOGIN succeeds, LOGIN is the only frame that gets
// processed; other well-formed frames are dropped without a reply so an
// unauthenticated peer learns nothing about the protocol surface.
type Dispatcher struct {
	cfg     *config.Config
	auth    service.Auther
	chat    *service.ChatService
	offline *service.OfflineService
	hub     *registry.Hub
	logger  *slog.Logger

	table map[model.PacketType]packetHandler
}

func NewDispatcher(cfg *config.Config, auth service.Auther, chat *service.ChatService, offline *service.OfflineService, hub *registry.Hub, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		auth:    auth,
		chat:    chat,
		offline: offline,
		hub:     hub,
		logger:  logger.With("component", "ws-dispatch"),
	}
	d.table = map[model.PacketType]packetHandler{
		model.TypeLogin:              d.handleLogin,
		model.TypeLogout:             d.handleLogout,
		model.TypeHeartbeat:          d.handleHeartbeat,
		model.TypeChatMessage:        d.handleChatMessage,
		model.TypeTyping:             d.handleTyping,
		model.TypeReadAck:            d.handleReadAck,
		model.TypeRecallMessage:      d.handleRecall,
		model.TypeSyncRequest:        d.handleSync,
		model.TypeOfflineSyncRequest: d.handleOfflineSync,
		model.TypeOfflineSyncAck:     d.handleOfflineAck,
	}
	return d
}

// Dispatch decodes and routes one raw frame. Returning false tells the
// read pump to close the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c *conn, raw []byte) bool {
	p, err := model.DecodePacket(raw)
	if err != nil {
		return d.violation(c, p, err)
	}

	metrics.FramesIn.WithLabelValues(strconv.Itoa(int(p.Type))).Inc()

	if c.sess() == nil && p.Type != model.TypeLogin {
		// Silent drop: no reply, no violation, no state change.
		return true
	}

	handler, ok := d.table[p.Type]
	if !ok {
		// Unreachable while the codec's client set and this table
		// agree, but a frame must never fall through silently.
		return d.violation(c, p, model.ErrUnknownType)
	}
	return handler(ctx, c, p)
}

// violation records one protocol error against the sliding window and
// closes the connection on the third within ten seconds. A frame that
// still yielded an envelope gets its seq echoed back in the error.
func (d *Dispatcher) violation(c *conn, p *model.Packet, cause error) bool {
	metrics.ProtocolViolations.Inc()

	seq := ""
	if p != nil {
		seq = p.Seq
	}
	// Authenticated peers get told what went wrong; anonymous ones
	// only burn through the violation budget.
	if c.sess() != nil {
		reason := "malformed frame"
		switch {
		case errors.Is(cause, model.ErrFrameTooLarge):
			reason = "frame too large"
		case errors.Is(cause, model.ErrUnknownType):
			reason = "unknown packet type"
		}
		c.send(model.NewPacket(model.TypeServerError, seq, model.ServerErrorData{Error: reason}))
	}

	now := time.Now()
	keep := c.violations[:0]
	for _, t := range c.violations {
		if now.Sub(t) < violationWindow {
			keep = append(keep, t)
		}
	}
	c.violations = append(keep, now)

	if len(c.violations) >= violationLimit {
		d.logger.Warn("protocol violation limit reached, closing",
			"violations", len(c.violations), "cause", cause)
		return false
	}
	return true
}
