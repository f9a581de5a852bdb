package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/config"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

// StartTracing installs the global tracer for service. The returned func
// flushes pending spans and never blocks for more than five seconds.
func StartTracing(ctx context.Context, cfg config.Config, service string) (func(), error) {
	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: service,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}, nil
}
