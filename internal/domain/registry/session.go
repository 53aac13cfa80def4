package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/im-gateway/internal/domain/model"
)

// SessionState tracks the lifecycle of a single socket.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateClosing
)

// Session is an authenticated association between one socket and one
// (userId, deviceId). The registry owns sessions; the transport holds
// only the handle and pumps the outbound mailbox to the wire.
type Session struct {
	ID          uuid.UUID
	UserID      int64
	DeviceID    string
	DeviceType  model.DeviceType
	ConnectedAt time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64

	// out is the per-socket FIFO. It is owned by the transport: the
	// transport's write pump is the single reader, any goroutine may
	// enqueue through Send without blocking.
	out chan<- *model.Packet

	ctx      context.Context
	cancelFn context.CancelFunc

	closeOnce sync.Once
	hookOnce  sync.Once

	droppedCount atomic.Uint64
}

// NewSession binds an authenticated identity to the transport's
// outbound mailbox. ctx is the connection context: cancelling it is the
// signal for the transport to tear the socket down.
func NewSession(parent context.Context, userID int64, deviceID string, deviceType model.DeviceType, out chan<- *model.Packet) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:          uuid.New(),
		UserID:      userID,
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		ConnectedAt: time.Now(),
		out:         out,
		ctx:         ctx,
		cancelFn:    cancel,
	}
	s.state.Store(int32(StateAuthenticated))
	s.lastHeartbeat.Store(time.Now().UnixNano())
	return s
}

// Send enqueues a frame on the session's FIFO without blocking. A full
// mailbox means the client is unresponsive; the caller is expected to
// drop the session rather than buffer further.
func (s *Session) Send(p *model.Packet) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.out <- p:
		return true
	default:
		s.droppedCount.Add(1)
		return false
	}
}

// Touch records inbound liveness for the heartbeat watchdog and stats.
func (s *Session) Touch() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeatAt returns the time of the last inbound frame.
func (s *Session) LastHeartbeatAt() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Dropped reports how many frames overflowed the mailbox.
func (s *Session) Dropped() uint64 {
	return s.droppedCount.Load()
}

// Done is closed once the session is terminated.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close terminates the session. Safe to call concurrently from the
// hub (eviction), the transport (socket error) and the dispatcher
// (LOGOUT); the context cancel runs once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancelFn()
	})
}
