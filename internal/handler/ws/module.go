package ws

import (
	"go.uber.org/fx"
)

var Module = fx.Module("ws-handler",
	fx.Provide(
		NewDispatcher,
		NewWSHandler,
	),
)
