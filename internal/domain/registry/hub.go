// Package registry keeps the in-memory, node-local view of live
// sessions. Three indices stay mutually consistent under one shard
// lock: socket id -> session, (userId, deviceId) -> session and
// userId -> session set. Lookups are O(1); iterating one user's
// devices never blocks unrelated users.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chatwire/im-gateway/internal/domain/model"
)

const shardCount = 64

// KickReason is the body of the KICKED_OFFLINE frame sent to a session
// displaced by a newer login with the same (userId, deviceId).
const KickReason = "signed in from another session on this device"

type deviceKey struct {
	userID   int64
	deviceID string
}

type shard struct {
	mu       sync.RWMutex
	byDevice map[deviceKey]*Session
	byUser   map[int64]map[uuid.UUID]*Session
	bySocket map[uuid.UUID]*Session
}

// Hub is the session registry. Shards are keyed by userId so one
// user's churn never contends with another's, and the per-device
// eviction check runs atomically with the insert.
type Hub struct {
	shards [shardCount]*shard
	hooks  Hooks
}

// Hooks observe session lifecycle transitions. OnDisconnect fires
// exactly once per session, whichever of eviction, socket error,
// heartbeat timeout or LOGOUT gets there first.
type Hooks struct {
	OnConnect    func(*Session)
	OnDisconnect func(*Session)
}

func NewHub(hooks Hooks) *Hub {
	h := &Hub{hooks: hooks}
	for i := range h.shards {
		h.shards[i] = &shard{
			byDevice: make(map[deviceKey]*Session),
			byUser:   make(map[int64]map[uuid.UUID]*Session),
			bySocket: make(map[uuid.UUID]*Session),
		}
	}
	return h
}

func (h *Hub) shardFor(userID int64) *shard {
	return h.shards[uint64(userID)%shardCount]
}

// Add registers an authenticated session. If the (userId, deviceId)
// key is already held, the prior session is atomically replaced: the
// new session is visible to lookups before the displaced socket is
// told to go away with a KICKED_OFFLINE frame and closed.
func (h *Hub) Add(s *Session) (displaced *Session) {
	sh := h.shardFor(s.UserID)
	key := deviceKey{s.UserID, s.DeviceID}

	sh.mu.Lock()
	displaced = sh.byDevice[key]
	sh.byDevice[key] = s
	set := sh.byUser[s.UserID]
	if set == nil {
		set = make(map[uuid.UUID]*Session)
		sh.byUser[s.UserID] = set
	}
	if displaced != nil {
		delete(set, displaced.ID)
		delete(sh.bySocket, displaced.ID)
	}
	set[s.ID] = s
	sh.bySocket[s.ID] = s
	sh.mu.Unlock()

	if displaced != nil {
		displaced.Send(model.NewPacket(model.TypeKickedOffline, "", model.KickedOfflineData{Reason: KickReason}))
		displaced.Close()
		h.fireDisconnect(displaced)
	}
	h.fireConnect(s)
	return displaced
}

// RemoveBySocket detaches the session owning the socket from all three
// indices and fires the disconnect hook. Returns nil when the socket
// is unknown (already evicted or never authenticated).
func (h *Hub) RemoveBySocket(userID int64, socketID uuid.UUID) *Session {
	sh := h.shardFor(userID)

	sh.mu.Lock()
	s, ok := sh.bySocket[socketID]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	delete(sh.bySocket, socketID)
	key := deviceKey{s.UserID, s.DeviceID}
	// The device slot may already belong to a replacement session.
	if cur := sh.byDevice[key]; cur == s {
		delete(sh.byDevice, key)
	}
	if set := sh.byUser[s.UserID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(sh.byUser, s.UserID)
		}
	}
	sh.mu.Unlock()

	s.Close()
	h.fireDisconnect(s)
	return s
}

// Get returns the authenticated session for (userId, deviceId), if any.
func (h *Hub) Get(userID int64, deviceID string) *Session {
	sh := h.shardFor(userID)
	sh.mu.RLock()
	s := sh.byDevice[deviceKey{userID, deviceID}]
	sh.mu.RUnlock()
	return s
}

// GetByUserID returns a snapshot of every live session of one user.
func (h *Hub) GetByUserID(userID int64) []*Session {
	sh := h.shardFor(userID)
	sh.mu.RLock()
	set := sh.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sh.mu.RUnlock()
	return out
}

// GetBySocket resolves a socket id back to its session.
func (h *Hub) GetBySocket(userID int64, socketID uuid.UUID) *Session {
	sh := h.shardFor(userID)
	sh.mu.RLock()
	s := sh.bySocket[socketID]
	sh.mu.RUnlock()
	return s
}

// AllSessions snapshots every session on this node, for broadcast
// primitives and shutdown.
func (h *Hub) AllSessions() []*Session {
	var out []*Session
	for _, sh := range h.shards {
		sh.mu.RLock()
		for _, s := range sh.bySocket {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats counts live sessions and distinct users on this node.
func (h *Hub) Stats() (sessions, users int) {
	for _, sh := range h.shards {
		sh.mu.RLock()
		sessions += len(sh.bySocket)
		users += len(sh.byUser)
		sh.mu.RUnlock()
	}
	return sessions, users
}

// Drop force-closes a session that proved unresponsive (mailbox
// overflow or write failure) and detaches it.
func (h *Hub) Drop(s *Session) {
	h.RemoveBySocket(s.UserID, s.ID)
}

// Shutdown closes every session. Used on server exit after the broker
// subscriptions are drained.
func (h *Hub) Shutdown() {
	for _, s := range h.AllSessions() {
		h.RemoveBySocket(s.UserID, s.ID)
	}
}

func (h *Hub) fireConnect(s *Session) {
	if h.hooks.OnConnect != nil {
		h.hooks.OnConnect(s)
	}
}

func (h *Hub) fireDisconnect(s *Session) {
	s.hookOnce.Do(func() {
		if h.hooks.OnDisconnect != nil {
			h.hooks.OnDisconnect(s)
		}
	})
}
