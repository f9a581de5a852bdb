// Command enrollctl inspects and repairs the coordination state shared by the
// gateway and the workers: circuit breakers, saga instances, idempotency
// entries and the reference catalog.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jcmexdev/enrollment-sagas/internal/app"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/config"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(openRuntime)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func openRuntime(ctx context.Context) (*app.Runtime, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	// Logs go to stderr so stdout stays parseable JSON.
	logger := telemetry.InitLogger(cfg.LogLevel)
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, rt.Close, nil
}
