package cmd

import (
	"go.uber.org/fx"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/infra/client/chatapi"
	"github.com/chatwire/im-gateway/infra/presence"
	httpserver "github.com/chatwire/im-gateway/infra/server/http"
	pubsubadapter "github.com/chatwire/im-gateway/internal/adapter/pubsub"
	"github.com/chatwire/im-gateway/internal/domain/registry"
	amqphandler "github.com/chatwire/im-gateway/internal/handler/amqp"
	wshandler "github.com/chatwire/im-gateway/internal/handler/ws"
	"github.com/chatwire/im-gateway/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvidePubSub,
			ProvidePublisher,
			ProvidePresence,
			ProvideAPIClient,
			ProvideHubHooks,

			func(c *chatapi.Client) service.API { return c },
			func(t *presence.Tracker) service.Presencer { return t },
			func(t *presence.Tracker) httpserver.PresenceIndex { return t },
			func(d pubsubadapter.EventDispatcher) service.Publisher { return d },
		),
		service.Module,
		registry.Module,
		wshandler.Module,
		amqphandler.Module,
		httpserver.Module,
	)
}
