package cmd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/infra/otel"
	"github.com/chatwire/im-gateway/infra/presence"
	"github.com/chatwire/im-gateway/infra/pubsub"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/metrics"
)

func ProvideLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	logging, err := otel.NewLogging(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: logging.Shutdown})
	slog.SetDefault(logging.Logger)
	return logging.Logger, nil
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func ProvidePubSub(cfg *config.Config, logger watermill.LoggerAdapter) *pubsub.Provider {
	return pubsub.NewProvider(cfg, logger)
}

func ProvidePublisher(lc fx.Lifecycle, p *pubsub.Provider) (message.Publisher, error) {
	pub, err := p.Publisher()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return pub.Close() },
	})
	return pub, nil
}

func ProvidePresence(lc fx.Lifecycle, cfg *config.Config) *presence.Tracker {
	t := presence.NewTracker(cfg)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return t.Close() },
	})
	return t
}

func ProvideAPIClient(cfg *config.Config, logger *slog.Logger) *chatapi.Client {
	return chatapi.New(cfg, logger)
}

// hubHooks ties session lifecycle to the cluster presence index and
// the gauges. The local refcount drives the per-node user gauge; the
// Redis transitions drive cluster-wide presence.
type hubHooks struct {
	tracker *presence.Tracker
	logger  *slog.Logger

	mu         sync.Mutex
	localUsers map[int64]int
}

const presenceTimeout = 5 * time.Second

func ProvideHubHooks(tracker *presence.Tracker, logger *slog.Logger) registry.Hooks {
	h := &hubHooks{
		tracker:    tracker,
		logger:     logger.With("component", "presence"),
		localUsers: make(map[int64]int),
	}
	return registry.Hooks{
		OnConnect:    h.onConnect,
		OnDisconnect: h.onDisconnect,
	}
}

func (h *hubHooks) onConnect(s *registry.Session) {
	metrics.Sessions.Inc()
	h.mu.Lock()
	h.localUsers[s.UserID]++
	if h.localUsers[s.UserID] == 1 {
		metrics.LocalUsers.Inc()
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	first, err := h.tracker.SessionOpened(ctx, s.UserID)
	if err != nil {
		h.logger.Warn("presence open failed", "user_id", s.UserID, "err", err)
		return
	}
	if first {
		h.logger.Debug("user online", "user_id", s.UserID)
	}
}

func (h *hubHooks) onDisconnect(s *registry.Session) {
	metrics.Sessions.Dec()
	h.mu.Lock()
	if h.localUsers[s.UserID] > 0 {
		h.localUsers[s.UserID]--
		if h.localUsers[s.UserID] == 0 {
			delete(h.localUsers, s.UserID)
			metrics.LocalUsers.Dec()
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	last, err := h.tracker.SessionClosed(ctx, s.UserID)
	if err != nil {
		h.logger.Warn("presence close failed", "user_id", s.UserID, "err", err)
		return
	}
	if last {
		h.logger.Debug("user offline", "user_id", s.UserID)
	}
}
