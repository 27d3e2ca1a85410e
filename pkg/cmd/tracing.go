package cmd

import (
	"context"
	"log/slog"

	"github.com/absamo/triven-workflow/pkg/otelhelper"
)

// SetupTracing installs the OTLP exporter when enabled. The returned shutdown
// is always safe to call.
func SetupTracing(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) func(context.Context) {
	if !enabled {
		return func(context.Context) {}
	}

	_, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "tracing disabled", "error", err)

		return func(context.Context) {}
	}

	return func(ctx context.Context) {
		if err := shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "failed to shutdown tracer provider", "error", err)
		}
	}
}
