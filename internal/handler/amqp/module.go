package amqp

import (
	"go.uber.org/fx"

	pubsubadapter "github.com/chatwire/im-gateway/internal/adapter/pubsub"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		pubsubadapter.NewEventDispatcher,
		NewEventHandler,
		NewWatermillRouter,
	),
	fx.Invoke(RegisterHandlers),
)
