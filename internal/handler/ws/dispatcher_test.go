package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/internal/domain/event"
	"github.com/chatwire/im-gateway/internal/domain/model"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/service"
)

const testKey = "dispatcher-test-key"

// Minimal in-memory doubles for the service dependencies.

type stubAPI struct {
	mu           sync.Mutex
	persistErr   error
	recallErr    error
	participants []int64
	pending      []model.OfflineMessage
	enqueued     int
}

func (s *stubAPI) PersistMessage(context.Context, int64, string, *chatapi.PersistMessageRequest) (*chatapi.PersistResult, error) {
	if s.persistErr != nil {
		return nil, s.persistErr
	}
	return &chatapi.PersistResult{ServerMsgID: "srv-1", ServerTimestamp: 1700000000000}, nil
}

func (s *stubAPI) RecallMessage(context.Context, int64, string, string) error { return s.recallErr }

func (s *stubAPI) UpdateReadCursor(context.Context, int64, string, int64, string) (*chatapi.ReadCursorResult, error) {
	return &chatapi.ReadCursorResult{}, nil
}

func (s *stubAPI) GetParticipants(context.Context, int64) ([]int64, error) {
	return s.participants, nil
}

func (s *stubAPI) GetMessagesForSync(context.Context, int64, string, int64, string, int) ([]json.RawMessage, error) {
	return nil, nil
}

func (s *stubAPI) GetPendingOffline(context.Context, int64, string, int) ([]model.OfflineMessage, error) {
	return s.pending, nil
}

func (s *stubAPI) AckOffline(context.Context, int64, string, []string) error { return nil }

func (s *stubAPI) EnqueueOffline(context.Context, int64, string, *chatapi.EnqueueOfflineRequest) error {
	s.mu.Lock()
	s.enqueued++
	s.mu.Unlock()
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []event.ClusterEvent
}

func (s *stubPublisher) Publish(_ context.Context, ev event.ClusterEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

type stubPresence struct{}

func (stubPresence) SessionOpened(context.Context, int64) (bool, error) { return true, nil }
func (stubPresence) SessionClosed(context.Context, int64) (bool, error) { return true, nil }
func (stubPresence) IsOnline(context.Context, int64) (bool, error)      { return false, nil }

type fixture struct {
	d   *Dispatcher
	hub *registry.Hub
	api *stubAPI
	pub *stubPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.SigningKey = testKey
	cfg.Session.MailboxSize = 64
	cfg.Heartbeat.Interval = 30 * time.Second
	cfg.Heartbeat.AuthGrace = 30 * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := &stubAPI{}
	pub := &stubPublisher{}
	hub := registry.NewHub(registry.Hooks{})
	parts := service.NewParticipantResolver(api, logger)
	chat := service.NewChatService(api, pub, stubPresence{}, parts, logger)
	offline := service.NewOfflineService(api, logger)
	auth := service.NewAuthService(cfg)

	return &fixture{
		d:   NewDispatcher(cfg, auth, chat, offline, hub, logger),
		hub: hub,
		api: api,
		pub: pub,
	}
}

func newTestConn() *conn {
	return &conn{
		out:    make(chan *model.Packet, 64),
		done:   make(chan struct{}),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (c *conn) drain() []*model.Packet {
	var out []*model.Packet
	for {
		select {
		case p := <-c.out:
			out = append(out, p)
		default:
			return out
		}
	}
}

func mintToken(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testKey))
	require.NoError(t, err)
	return tok
}

func login(t *testing.T, f *fixture, c *conn, userID int64, deviceID string) {
	t.Helper()
	raw := fmt.Sprintf(`{"type":1,"seq":"login","data":{"token":%q,"deviceId":%q,"deviceType":"web"}}`,
		mintToken(t, userID), deviceID)
	require.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)))

	frames := c.drain()
	require.Len(t, frames, 1)
	require.Equal(t, model.TypeLoginResponse, frames[0].Type)
	var body model.LoginResponseData
	require.NoError(t, frames[0].DecodeData(&body))
	require.True(t, body.Success)
	require.Equal(t, userID, body.UserID)
}

func TestDispatch_UnauthenticatedFramesSilentlyDropped(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	for _, raw := range []string{
		`{"type":3,"seq":"1"}`,
		`{"type":10,"seq":"2","data":{"msgId":"x","conversationId":1}}`,
		`{"type":21,"seq":"3"}`,
	} {
		assert.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)))
	}
	assert.Empty(t, c.drain(), "no reply of any kind before login")
	assert.Empty(t, f.pub.events)
}

func TestDispatch_MalformedFramesCloseAfterThree(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	assert.True(t, f.d.Dispatch(context.Background(), c, []byte("junk-1")))
	assert.True(t, f.d.Dispatch(context.Background(), c, []byte("junk-2")))
	assert.False(t, f.d.Dispatch(context.Background(), c, []byte("junk-3")),
		"third violation inside the window must close the connection")
}

func TestDispatch_ViolationWindowSlides(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	f.d.Dispatch(context.Background(), c, []byte("junk-1"))
	f.d.Dispatch(context.Background(), c, []byte("junk-2"))
	// Age the first two out of the window.
	c.violations[0] = c.violations[0].Add(-violationWindow)
	c.violations[1] = c.violations[1].Add(-violationWindow)

	assert.True(t, f.d.Dispatch(context.Background(), c, []byte("junk-3")))
}

func TestDispatch_LoginSuccess(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	login(t, f, c, 42, "web-1")

	require.NotNil(t, c.sess())
	assert.Same(t, c.sess(), f.hub.Get(42, "web-1"))
}

func TestDispatch_LoginBindSafeUnderConcurrentWriter(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	// Mirror the write pump: poll the session handle and push frames
	// while the login handler binds the session on the other side.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if s := c.sess(); s != nil {
					_ = s.Done()
				}
				c.send(model.NewPacket(model.TypeHeartbeatResponse, "", nil))
			}
		}
	}()

	raw := fmt.Sprintf(`{"type":1,"seq":"l","data":{"token":%q,"deviceId":"web-1","deviceType":"web"}}`,
		mintToken(t, 42))
	require.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)))
	close(stop)
	wg.Wait()

	s := c.sess()
	require.NotNil(t, s)
	assert.Same(t, s, f.hub.Get(42, "web-1"))
}

func TestDispatch_LoginBadTokenCloses(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	raw := `{"type":1,"seq":"l","data":{"token":"garbage","deviceId":"web-1","deviceType":"web"}}`
	assert.False(t, f.d.Dispatch(context.Background(), c, []byte(raw)))

	frames := c.drain()
	require.Len(t, frames, 1)
	var body model.LoginResponseData
	require.NoError(t, frames[0].DecodeData(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "invalid credentials", body.Error)
	assert.Nil(t, c.sess())
}

func TestDispatch_LoginUnknownDeviceTypeCloses(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	raw := fmt.Sprintf(`{"type":1,"seq":"l","data":{"token":%q,"deviceId":"d","deviceType":"fridge"}}`,
		mintToken(t, 42))
	assert.False(t, f.d.Dispatch(context.Background(), c, []byte(raw)))
	assert.Nil(t, c.sess())
}

func TestDispatch_DuplicateLoginKicksPriorSession(t *testing.T) {
	f := newFixture(t)
	first := newTestConn()
	login(t, f, first, 42, "web-1")
	old := first.sess()

	second := newTestConn()
	login(t, f, second, 42, "web-1")

	frames := first.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeKickedOffline, frames[0].Type)
	select {
	case <-old.Done():
	default:
		t.Fatal("displaced session should be closed")
	}
	assert.Same(t, second.sess(), f.hub.Get(42, "web-1"))
}

func TestDispatch_Heartbeat(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	require.True(t, f.d.Dispatch(context.Background(), c, []byte(`{"type":3,"seq":"hb-1"}`)))

	frames := c.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeHeartbeatResponse, frames[0].Type)
	assert.Equal(t, "hb-1", frames[0].Seq)

	var body model.HeartbeatResponseData
	require.NoError(t, frames[0].DecodeData(&body))
	assert.InDelta(t, time.Now().UnixMilli(), body.ServerTime, float64(5*time.Second/time.Millisecond))
}

func TestDispatch_ChatMessageAckThenPublish(t *testing.T) {
	f := newFixture(t)
	f.api.participants = []int64{42, 7}
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	raw := `{"type":10,"seq":"m-1","data":{"msgId":"cli-1","conversationId":5,"msgType":"text","content":"hi"}}`
	require.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)))

	frames := c.drain()
	require.Len(t, frames, 1)
	require.Equal(t, model.TypeChatMessageAck, frames[0].Type)
	assert.Equal(t, "m-1", frames[0].Seq)

	var ack model.ChatMessageAckData
	require.NoError(t, frames[0].DecodeData(&ack))
	assert.True(t, ack.Success)
	assert.Equal(t, "cli-1", ack.ClientMsgID)
	assert.Equal(t, "srv-1", ack.MsgID)

	require.Len(t, f.pub.events, 1)
	chatEv, ok := f.pub.events[0].(*event.ChatEvent)
	require.True(t, ok)
	assert.Equal(t, "srv-1", chatEv.ServerMsgID)
	assert.Equal(t, "web-1", chatEv.SenderDeviceID)

	// Participant 7 is offline everywhere, so one offline row.
	assert.Equal(t, 1, f.api.enqueued)
}

func TestDispatch_ChatMessagePersistFailure(t *testing.T) {
	f := newFixture(t)
	f.api.persistErr = &chatapi.APIError{Status: 403, Reason: "not a participant"}
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	raw := `{"type":10,"seq":"m-1","data":{"msgId":"cli-1","conversationId":5,"msgType":"text","content":"hi"}}`
	require.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)),
		"a persist failure is not a protocol violation")

	frames := c.drain()
	require.Len(t, frames, 1)
	var ack model.ChatMessageAckData
	require.NoError(t, frames[0].DecodeData(&ack))
	assert.False(t, ack.Success)
	assert.Equal(t, "not a participant", ack.Error)
	assert.Empty(t, f.pub.events, "failed persist must not publish")
}

func TestDispatch_RecallRejectedReason(t *testing.T) {
	f := newFixture(t)
	f.api.recallErr = &chatapi.APIError{Status: 409, Reason: "recall window expired"}
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	raw := `{"type":13,"seq":"r-1","data":{"msgId":"srv-1","conversationId":5}}`
	require.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)))

	frames := c.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeRecallAck, frames[0].Type)
	var body model.RecallAckData
	require.NoError(t, frames[0].DecodeData(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "recall window expired", body.Error)
}

func TestDispatch_UnknownTypeEchoesSeq(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	require.True(t, f.d.Dispatch(context.Background(), c, []byte(`{"type":999,"seq":"u-1"}`)))

	frames := c.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeServerError, frames[0].Type)
	assert.Equal(t, "u-1", frames[0].Seq)
}

func TestDispatch_OfflineSyncEmptyCompletes(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	require.True(t, f.d.Dispatch(context.Background(), c, []byte(`{"type":21,"seq":"o-1"}`)))

	frames := c.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeOfflineSyncComplete, frames[0].Type)
	var body model.OfflineSyncCompleteData
	require.NoError(t, frames[0].DecodeData(&body))
	assert.True(t, body.Success)
	assert.Zero(t, body.Count)
}

func TestDispatch_OfflineSyncReplays(t *testing.T) {
	f := newFixture(t)
	f.api.pending = []model.OfflineMessage{
		{QueueID: "q1", MessageID: "m1", Payload: json.RawMessage(`{"msgId":"m1"}`)},
	}
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	require.True(t, f.d.Dispatch(context.Background(), c, []byte(`{"type":21,"seq":"o-1","data":{"limit":10}}`)))

	frames := c.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeOfflineSyncResponse, frames[0].Type)
	var body model.OfflineSyncResponseData
	require.NoError(t, frames[0].DecodeData(&body))
	assert.Equal(t, 1, body.Count)
}

func TestDispatch_Logout(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	assert.False(t, f.d.Dispatch(context.Background(), c, []byte(`{"type":2,"seq":"bye"}`)))

	frames := c.drain()
	require.Len(t, frames, 1)
	assert.Equal(t, model.TypeLogoutResponse, frames[0].Type)
	assert.Nil(t, f.hub.Get(42, "web-1"))
}

func TestDispatch_SecondLoginOnSameSocketRejected(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()
	login(t, f, c, 42, "web-1")

	raw := fmt.Sprintf(`{"type":1,"seq":"l2","data":{"token":%q,"deviceId":"web-1","deviceType":"web"}}`,
		mintToken(t, 42))
	require.True(t, f.d.Dispatch(context.Background(), c, []byte(raw)))

	frames := c.drain()
	require.Len(t, frames, 1)
	var body model.LoginResponseData
	require.NoError(t, frames[0].DecodeData(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "already authenticated", body.Error)
}
