package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/im-gateway/internal/domain/model"
)

func newTestSession(t *testing.T, userID int64, deviceID string) (*Session, chan *model.Packet) {
	t.Helper()
	out := make(chan *model.Packet, 8)
	return NewSession(context.Background(), userID, deviceID, model.DeviceWeb, out), out
}

func TestHub_AddAndLookup(t *testing.T) {
	h := NewHub(Hooks{})
	s, _ := newTestSession(t, 7, "dev-1")

	require.Nil(t, h.Add(s))

	assert.Same(t, s, h.Get(7, "dev-1"))
	assert.Same(t, s, h.GetBySocket(7, s.ID))
	require.Len(t, h.GetByUserID(7), 1)

	sessions, users := h.Stats()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, users)
}

func TestHub_DuplicateDeviceEviction(t *testing.T) {
	h := NewHub(Hooks{})
	old, oldOut := newTestSession(t, 7, "dev-1")
	require.Nil(t, h.Add(old))

	replacement, _ := newTestSession(t, 7, "dev-1")
	displaced := h.Add(replacement)

	require.Same(t, old, displaced)

	// The displaced socket got the kick frame and was closed.
	select {
	case p := <-oldOut:
		assert.Equal(t, model.TypeKickedOffline, p.Type)
	default:
		t.Fatal("expected KICKED_OFFLINE frame on displaced session")
	}
	select {
	case <-old.Done():
	default:
		t.Fatal("displaced session not closed")
	}

	// Exactly one session holds the device slot and it is the new one.
	assert.Same(t, replacement, h.Get(7, "dev-1"))
	sessions, _ := h.Stats()
	assert.Equal(t, 1, sessions)
}

func TestHub_MultipleDevicesPerUser(t *testing.T) {
	h := NewHub(Hooks{})
	web, _ := newTestSession(t, 7, "web-1")
	phone, _ := newTestSession(t, 7, "ios-1")
	require.Nil(t, h.Add(web))
	require.Nil(t, h.Add(phone))

	assert.Len(t, h.GetByUserID(7), 2)
	sessions, users := h.Stats()
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 1, users)
}

func TestHub_RemoveBySocket(t *testing.T) {
	h := NewHub(Hooks{})
	s, _ := newTestSession(t, 7, "dev-1")
	require.Nil(t, h.Add(s))

	removed := h.RemoveBySocket(7, s.ID)
	require.Same(t, s, removed)
	assert.Nil(t, h.Get(7, "dev-1"))
	assert.Empty(t, h.GetByUserID(7))

	// Second removal is a no-op.
	assert.Nil(t, h.RemoveBySocket(7, s.ID))
}

func TestHub_RemoveStaleSocketKeepsReplacement(t *testing.T) {
	h := NewHub(Hooks{})
	old, _ := newTestSession(t, 7, "dev-1")
	require.Nil(t, h.Add(old))
	replacement, _ := newTestSession(t, 7, "dev-1")
	h.Add(replacement)

	// The old socket's read pump tears down after the eviction. That
	// must not remove the replacement from the device slot.
	h.RemoveBySocket(7, old.ID)
	assert.Same(t, replacement, h.Get(7, "dev-1"))
}

func TestHub_DisconnectHookFiresOnce(t *testing.T) {
	var disconnects atomic.Int64
	h := NewHub(Hooks{
		OnDisconnect: func(*Session) { disconnects.Add(1) },
	})
	s, _ := newTestSession(t, 7, "dev-1")
	require.Nil(t, h.Add(s))

	// Eviction and the stale socket's own teardown race; the hook
	// must fire exactly once for the displaced session.
	replacement, _ := newTestSession(t, 7, "dev-1")
	h.Add(replacement)
	h.RemoveBySocket(7, s.ID)
	h.Drop(s)

	assert.Equal(t, int64(1), disconnects.Load())
}

func TestHub_ConnectHook(t *testing.T) {
	var connects atomic.Int64
	h := NewHub(Hooks{
		OnConnect: func(*Session) { connects.Add(1) },
	})
	a, _ := newTestSession(t, 1, "d1")
	b, _ := newTestSession(t, 2, "d1")
	h.Add(a)
	h.Add(b)
	assert.Equal(t, int64(2), connects.Load())
}

func TestHub_Shutdown(t *testing.T) {
	h := NewHub(Hooks{})
	for i := int64(1); i <= 5; i++ {
		s, _ := newTestSession(t, i, "d")
		h.Add(s)
	}
	h.Shutdown()
	sessions, users := h.Stats()
	assert.Zero(t, sessions)
	assert.Zero(t, users)
}

func TestHub_ConcurrentChurn(t *testing.T) {
	h := NewHub(Hooks{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				userID := int64(i % 17)
				s, _ := newTestSession(t, userID, fmt.Sprintf("dev-%d", g))
				h.Add(s)
				if i%3 == 0 {
					h.RemoveBySocket(userID, s.ID)
				}
			}
		}(g)
	}
	wg.Wait()

	// Invariant: every remaining session is reachable through all
	// three indices.
	for _, s := range h.AllSessions() {
		assert.Same(t, s, h.GetBySocket(s.UserID, s.ID))
		assert.Contains(t, h.GetByUserID(s.UserID), s)
	}
}

func TestSession_SendOverflow(t *testing.T) {
	out := make(chan *model.Packet, 1)
	s := NewSession(context.Background(), 1, "d", model.DeviceWeb, out)

	require.True(t, s.Send(&model.Packet{Type: model.TypeHeartbeatResponse}))
	assert.False(t, s.Send(&model.Packet{Type: model.TypeHeartbeatResponse}))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestSession_SendAfterClose(t *testing.T) {
	s, _ := newTestSession(t, 1, "d")
	s.Close()
	assert.False(t, s.Send(&model.Packet{Type: model.TypeHeartbeatResponse}))
	assert.Equal(t, StateClosing, s.State())
}
