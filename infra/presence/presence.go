// Package presence maintains the cluster-visible online-user set in
// Redis. The set is the single source of truth: a userId is a member
// while the user has at least one authenticated session anywhere in
// the cluster. Local nodes never infer presence for remote users.
//
// Membership changes only on first-session-opened and
// last-session-closed transitions. A per-user hash counter tracks
// live sessions cluster-wide; the Lua scripts keep counter and set in
// step under concurrent connects and disconnects.
package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatwire/im-gateway/config"
)

const (
	onlineSetKey  = "im:online_users"
	countsHashKey = "im:online_counts"
)

// openScript increments the user's session count and adds the user to
// the online set on the 0 -> 1 transition. Returns 1 on transition.
var openScript = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
if c == 1 then
  redis.call('SADD', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// closeScript decrements and removes on the 1 -> 0 transition.
// Defends against negative drift by clamping at zero.
var closeScript = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
if c <= 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('SREM', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// Tracker is the Redis-backed presence index.
type Tracker struct {
	rdb *redis.Client
}

func NewTracker(cfg *config.Config) *Tracker {
	return &Tracker{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})}
}

// SessionOpened records one more live session for the user. Returns
// true when this was the user's first session cluster-wide.
func (t *Tracker) SessionOpened(ctx context.Context, userID int64) (bool, error) {
	n, err := openScript.Run(ctx, t.rdb, []string{onlineSetKey, countsHashKey}, userID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: open: %w", err)
	}
	return n == 1, nil
}

// SessionClosed records one session gone. Returns true when it was the
// user's last session cluster-wide.
func (t *Tracker) SessionClosed(ctx context.Context, userID int64) (bool, error) {
	n, err := closeScript.Run(ctx, t.rdb, []string{onlineSetKey, countsHashKey}, userID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: close: %w", err)
	}
	return n == 1, nil
}

// IsOnline reports whether the user has any session in the cluster.
func (t *Tracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	ok, err := t.rdb.SIsMember(ctx, onlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: sismember: %w", err)
	}
	return ok, nil
}

// OnlineUsers snapshots the whole set, for status queries.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	members, err := t.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: smembers: %w", err)
	}
	return members, nil
}

// Close releases the Redis connection pool.
func (t *Tracker) Close() error {
	return t.rdb.Close()
}
