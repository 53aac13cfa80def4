package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/internal/domain/event"
	"github.com/chatwire/im-gateway/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is an in-memory stand-in for the persistence service.
type fakeAPI struct {
	mu sync.Mutex

	persistRes *chatapi.PersistResult
	persistErr error
	persisted  []*chatapi.PersistMessageRequest

	recallErr error
	recalled  []string

	readCursorRes *chatapi.ReadCursorResult
	readCursorErr error

	participants    map[int64][]int64
	participantsErr error
	participantGets int

	syncMessages []json.RawMessage
	syncErr      error

	pending    []model.OfflineMessage
	pendingErr error

	acked  [][]string
	ackErr error

	enqueued   []*chatapi.EnqueueOfflineRequest
	enqueueErr error
}

func (f *fakeAPI) PersistMessage(_ context.Context, _ int64, _ string, req *chatapi.PersistMessageRequest) (*chatapi.PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return nil, f.persistErr
	}
	f.persisted = append(f.persisted, req)
	if f.persistRes != nil {
		return f.persistRes, nil
	}
	return &chatapi.PersistResult{ServerMsgID: "srv-1", ServerTimestamp: 1700000000000}, nil
}

func (f *fakeAPI) RecallMessage(_ context.Context, _ int64, _, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recallErr != nil {
		return f.recallErr
	}
	f.recalled = append(f.recalled, msgID)
	return nil
}

func (f *fakeAPI) UpdateReadCursor(context.Context, int64, string, int64, string) (*chatapi.ReadCursorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readCursorErr != nil {
		return nil, f.readCursorErr
	}
	return f.readCursorRes, nil
}

func (f *fakeAPI) GetParticipants(_ context.Context, conversationID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participantGets++
	if f.participantsErr != nil {
		return nil, f.participantsErr
	}
	return f.participants[conversationID], nil
}

func (f *fakeAPI) GetMessagesForSync(context.Context, int64, string, int64, string, int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return f.syncMessages, nil
}

func (f *fakeAPI) GetPendingOffline(context.Context, int64, string, int) ([]model.OfflineMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return f.pending, nil
}

func (f *fakeAPI) AckOffline(_ context.Context, _ int64, _ string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, messageIDs)
	return nil
}

func (f *fakeAPI) EnqueueOffline(_ context.Context, _ int64, _ string, req *chatapi.EnqueueOfflineRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, req)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []event.ClusterEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, ev event.ClusterEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) published(t *testing.T) []event.ClusterEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.ClusterEvent(nil), f.events...)
}

type fakePresence struct {
	mu     sync.Mutex
	online map[int64]bool
	err    error
}

func (f *fakePresence) SessionOpened(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online == nil {
		f.online = make(map[int64]bool)
	}
	first := !f.online[userID]
	f.online[userID] = true
	return first, f.err
}

func (f *fakePresence) SessionClosed(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, userID)
	return true, f.err
}

func (f *fakePresence) IsOnline(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.online[userID], nil
}
