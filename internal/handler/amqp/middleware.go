package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"

	"github.com/chatwire/im-gateway/internal/metrics"
)

type ctxKey int

const traceIDKey ctxKey = iota

// traceIDMetadata is the broker metadata key carrying the trace id
// across nodes.
const traceIDMetadata = "trace_id"

// TraceIDMiddleware stamps every delivery with a trace id, minting one
// when the publishing node did not.
func TraceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		traceID := msg.Metadata.Get(traceIDMetadata)
		if traceID == "" {
			traceID = uuid.NewString()
			msg.Metadata.Set(traceIDMetadata, traceID)
		}
		msg.SetContext(context.WithValue(msg.Context(), traceIDKey, traceID))
		return h(msg)
	}
}

// LoggingMiddleware records the outcome and latency of every consumed
// event and feeds the consumption counter.
func LoggingMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)

			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.EventsConsumed.WithLabelValues(outcome).Inc()
			logger.Debug("event consumed",
				"msg_id", msg.UUID,
				"trace_id", msg.Metadata.Get(traceIDMetadata),
				"elapsed_ms", time.Since(start).Milliseconds(),
				"outcome", outcome,
			)
			return msgs, err
		}
	}
}

// NewRetryMiddleware is the redelivery policy for failed events: one
// quick retry for transient blips, then backing off far enough to ride
// out a short API or broker outage before the poison queue takes over.
func NewRetryMiddleware() middleware.Retry {
	return middleware.Retry{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.5,
	}
}
