// Package http hosts the gateway's listener: the WebSocket endpoint
// plus the health and metrics surfaces.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	"github.com/chatwire/im-gateway/internal/handler/ws"
)

// PresenceIndex is the slice of the cluster presence set the status
// surface reads.
type PresenceIndex interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

func NewServer(cfg *config.Config, wsHandler *ws.WSHandler, hub *registry.Hub, presence PresenceIndex) *http.Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Handle(cfg.Listen.WSPath, wsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/statusz", statusHandler(hub, presence))

	return &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// statusHandler snapshots this node's load plus the cluster-wide
// online user count. clusterUsers is -1 when the presence index is
// unreachable.
func statusHandler(hub *registry.Hub, presence PresenceIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, users := hub.Stats()
		status := struct {
			Sessions     int `json:"sessions"`
			LocalUsers   int `json:"localUsers"`
			ClusterUsers int `json:"clusterUsers"`
		}{Sessions: sessions, LocalUsers: users, ClusterUsers: -1}

		if online, err := presence.OnlineUsers(r.Context()); err == nil {
			status.ClusterUsers = len(online)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

func Register(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("HTTP_LISTENING", "addr", srv.Addr)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP_SERVER_STOPPED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Shutdown stops accepting but leaves live WebSockets to
			// the registry's own teardown.
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http-server",
	fx.Provide(NewServer),
	fx.Invoke(Register),
)
