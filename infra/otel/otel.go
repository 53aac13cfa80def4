// Package otel wires the OpenTelemetry log pipeline behind log/slog.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/chatwire/im-gateway/config"
)

// Logging owns the provider so the app can flush it on shutdown.
type Logging struct {
	Logger   *slog.Logger
	provider *sdklog.LoggerProvider
}

// NewLogging builds the service logger. With log.otel enabled the
// records go through an sdk LoggerProvider and the stdout exporter;
// otherwise a plain JSON handler on stderr is used. Either way the
// level is the runtime-adjustable config.LogLevel.
func NewLogging(cfg *config.Config) (*Logging, error) {
	if !cfg.Log.OTEL {
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel})
		return &Logging{Logger: slog.New(h)}, nil
	}

	exporter, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("otel: stdout log exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Service.Name),
		semconv.ServiceInstanceID(cfg.Service.NodeID),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	handler := otelslog.NewHandler(cfg.Service.Name, otelslog.WithLoggerProvider(provider))
	return &Logging{Logger: slog.New(handler), provider: provider}, nil
}

// Shutdown flushes buffered records.
func (l *Logging) Shutdown(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	return l.provider.Shutdown(ctx)
}
