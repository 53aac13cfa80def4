package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, ev *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to the fan-out logic, handling Panic Recovery
// and Poison Pill protection. Every node consumes every event; locality
// filtering is implicit in the session registry lookup the handler does,
// so a node with no recipient sessions simply writes nothing.
func Bind[T any](h *EventHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [DECODING]
		ev := new(T)
		if err := json.Unmarshal(msg.Payload, ev); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [EXECUTION]
		if err := fn(msg.Context(), ev); err != nil {
			return err // NACK: failure triggers the Retry policy.
		}
		return nil
	}
}
