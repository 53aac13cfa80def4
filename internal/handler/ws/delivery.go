package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/metrics"
	"github.com/chatwire/im-gateway/internal/service"
)

const writeTimeout = 10 * time.Second

// WSHandler upgrades HTTP requests to IM sockets and runs the two
// pumps. The read pump feeds the dispatcher; the write pump is the
// single goroutine touching the socket writer, draining the conn's
// FIFO mailbox.
type WSHandler struct {
	cfg        *config.Config
	logger     *slog.Logger
	dispatcher *Dispatcher
	hub        *registry.Hub
	upgrader   websocket.Upgrader
}

func NewWSHandler(cfg *config.Config, logger *slog.Logger, dispatcher *Dispatcher, hub *registry.Hub) *WSHandler {
	return &WSHandler{
		cfg:        cfg,
		logger:     logger.With("component", "ws"),
		dispatcher: dispatcher,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

// conn is one socket's state. session stays nil until a LOGIN frame
// authenticates; every outbound frame, pre-auth included, goes through
// the out mailbox so the write pump stays the only socket writer.
type conn struct {
	ws     *websocket.Conn
	out    chan *model.Packet
	done   chan struct{}
	logger *slog.Logger

	// session is written once by the read pump (LOGIN) and read by the
	// write pump; the atomic pointer is the publication point. ident is
	// stored before the session and only read after sess returns
	// non-nil.
	session atomic.Pointer[registry.Session]
	ident   service.Identity

	violations []time.Time

	closeOnce sync.Once
}

func (c *conn) sess() *registry.Session {
	return c.session.Load()
}

// bind publishes the authenticated session to every other goroutine
// touching this conn.
func (c *conn) bind(s *registry.Session, ident service.Identity) {
	c.ident = ident
	c.session.Store(s)
}

// send enqueues an outbound frame. Pre-auth traffic is tiny, so a full
// mailbox here means the same thing it means post-auth: the client is
// not draining and the connection is done.
func (c *conn) send(p *model.Packet) bool {
	if s := c.sess(); s != nil {
		return s.Send(p)
	}
	select {
	case c.out <- p:
		return true
	default:
		return false
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &conn{
		ws:     ws,
		out:    make(chan *model.Packet, h.cfg.Session.MailboxSize),
		done:   make(chan struct{}),
		logger: h.logger,
	}

	// Oversized frames are rejected by the codec with a protocol
	// violation; the socket limit sits above that so the violation
	// path, not the transport, handles them.
	ws.SetReadLimit(model.MaxFrameSize + 1024)

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

// readPump owns the socket reader. Before LOGIN the deadline is the
// auth grace window; after it, three missed heartbeat intervals.
func (h *WSHandler) readPump(ctx context.Context, c *conn) {
	defer h.teardown(c)

	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.Heartbeat.AuthGrace))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ws read ended", "err", err)
			}
			return
		}

		if !h.dispatcher.Dispatch(ctx, c, raw) {
			return
		}

		if s := c.sess(); s != nil {
			s.Touch()
			_ = c.ws.SetReadDeadline(time.Now().Add(3 * h.cfg.Heartbeat.Interval))
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writePump is the single socket writer. It exits when the conn shuts
// down or the session is closed (LOGOUT, eviction, hub drop), draining
// queued frames first so a KICKED_OFFLINE enqueued just before the
// close still reaches the wire.
func (h *WSHandler) writePump(c *conn) {
	defer func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		_ = c.ws.Close()
	}()

	var sessionDone <-chan struct{}
	for {
		if sessionDone == nil {
			if s := c.sess(); s != nil {
				sessionDone = s.Done()
			}
		}

		select {
		case p := <-c.out:
			if !h.writeFrame(c, p) {
				c.shutdown()
				return
			}
		case <-sessionDone:
			h.drain(c)
			c.shutdown()
			return
		case <-c.done:
			h.drain(c)
			return
		}
	}
}

// drain flushes whatever is already queued, best effort.
func (h *WSHandler) drain(c *conn) {
	for {
		select {
		case p := <-c.out:
			if !h.writeFrame(c, p) {
				return
			}
		default:
			return
		}
	}
}

func (h *WSHandler) writeFrame(c *conn, p *model.Packet) bool {
	data, err := p.Encode()
	if err != nil {
		c.logger.Error("frame encode failed", "type", int(p.Type), "err", err)
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("ws write failed", "err", err)
		return false
	}
	metrics.FramesOut.WithLabelValues(strconv.Itoa(int(p.Type))).Inc()
	return true
}

// teardown detaches the session, which fires the disconnect hook and
// presence bookkeeping exactly once regardless of who closed first.
// The socket itself is closed by the write pump after its final drain,
// so a terminal reply enqueued by the last handler (LOGOUT_RESPONSE, a
// failed LOGIN_RESPONSE) still reaches the wire.
func (h *WSHandler) teardown(c *conn) {
	c.shutdown()
	if s := c.sess(); s != nil {
		h.hub.RemoveBySocket(s.UserID, s.ID)
	}
}
