package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/enrollment-sagas/internal/api-gateway/infra/httpx"
	"github.com/jcmexdev/enrollment-sagas/internal/app"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/config"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	stopTracing, err := app.StartTracing(ctx, cfg, "api-gateway")
	if err != nil {
		return err
	}
	defer stopTracing()

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("closing runtime", "error", err)
		}
	}()

	handler := httpx.NewHandler(rt.Service(rt.Publisher()), rt.Records, rt.Admin, rt.HealthChecks(), logger.With("component", "http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api gateway listening", "addr", cfg.HTTPAddr, "embedded_worker", rt.EmbeddedWorker())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The memory queue has no other consumer, so the gateway runs the worker
	// itself.
	if rt.EmbeddedWorker() {
		proc := rt.Processor()
		g.Go(func() error {
			if _, err := proc.Recover(ctx); err != nil {
				logger.Error("recovery sweep failed", "error", err)
			}
			return rt.Pool(proc).Run(ctx)
		})
	}
	return g.Wait()
}
