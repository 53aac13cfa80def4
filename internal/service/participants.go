package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// participantCacheTTL bounds staleness of the membership snapshot.
// A few seconds is acceptable per the persistence contract; it keeps
// a hot group chat from hammering the API on every event.
const participantCacheTTL = 5 * time.Second

// ParticipantResolver answers "who is in this conversation" with a
// small expirable cache in front of the persistence service.
type ParticipantResolver struct {
	api    API
	cache  *expirable.LRU[int64, []int64]
	logger *slog.Logger
}

func NewParticipantResolver(api API, logger *slog.Logger) *ParticipantResolver {
	return &ParticipantResolver{
		api:    api,
		cache:  expirable.NewLRU[int64, []int64](10000, nil, participantCacheTTL),
		logger: logger.With("component", "participants"),
	}
}

// Resolve returns the participant userIds of a conversation. On a
// dependency failure the caller degrades to an empty set (no fan-out);
// clients recover via pull.
func (r *ParticipantResolver) Resolve(ctx context.Context, conversationID int64) ([]int64, error) {
	if cached, ok := r.cache.Get(conversationID); ok {
		return cached, nil
	}

	userIDs, err := r.api.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	r.cache.Add(conversationID, userIDs)
	return userIDs, nil
}
