package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/fx"

	infrapubsub "github.com/chatwire/im-gateway/infra/pubsub"
	"github.com/chatwire/im-gateway/internal/adapter/pubsub"
	"github.com/chatwire/im-gateway/internal/domain/event"
	"github.com/chatwire/im-gateway/internal/service"
)

// GatewayPoisonTopic receives events that exhausted their retries.
const GatewayPoisonTopic = "im:gateway.poison"

// EventHandler bridges the four cluster channels into the fan-out
// engine.
type EventHandler struct {
	fanout     *service.Fanout
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
}

func NewEventHandler(fanout *service.Fanout, logger *slog.Logger, dispatcher pubsub.EventDispatcher) *EventHandler {
	return &EventHandler{fanout: fanout, logger: logger, dispatcher: dispatcher}
}

func NewWatermillRouter(lc fx.Lifecycle, logger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: time.Second * 15,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("amqp: build router: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("AMQP_ROUTER_STOPPED", err, nil)
				}
			}()
			// Wait until the consumers are actually bound, so sessions
			// accepted after startup never miss live events.
			select {
			case <-router.Running():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})

	return router, nil
}

// [REGISTRATION_PIPELINE]
func RegisterHandlers(router *message.Router, h *EventHandler, provider *infrapubsub.Provider) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), GatewayPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		channel string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_CHAT_MESSAGE", event.ChannelMessages, Bind(h, h.fanout.OnChat)},
		{"ON_TYPING", event.ChannelTyping, Bind(h, h.fanout.OnTyping)},
		{"ON_READ_STATUS", event.ChannelReadStatus, Bind(h, h.fanout.OnRead)},
		{"ON_RECALL", event.ChannelRecall, Bind(h, h.fanout.OnRecall)},
	}

	for _, c := range configs {
		// [UNIQUE_HANDLER_QUEUE]
		// Each handler on each node consumes from its own non-durable
		// queue bound to the channel's fanout exchange.
		sub, err := provider.Subscriber(c.name)
		if err != nil {
			return err
		}

		router.AddConsumerHandler(c.name, c.channel, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(1000, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY",
		"channels", len(configs), "poison_topic", GatewayPoisonTopic)
	return nil
}
