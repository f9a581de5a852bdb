package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/enrollment-sagas/internal/app"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/config"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/interceptors"
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
		logger.Error("enrollment worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Queue.Driver == config.DriverMemory {
		logger.Warn("memory queue selected, this worker only sees its own process; run the gateway with the embedded worker instead")
	}

	stopTracing, err := app.StartTracing(ctx, cfg, "enrollment-worker")
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

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(interceptors.UnaryServerInterceptor(logger.With("component", "grpc"))),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	proc := rt.Processor()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker health endpoint listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		healthSrv.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error {
		// Sagas orphaned by a previous crash are settled before new work
		// is taken.
		if _, err := proc.Recover(ctx); err != nil {
			logger.Error("recovery sweep failed", "error", err)
		}
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		logger.Info("enrollment worker consuming", "concurrency", cfg.Queue.Concurrency, "topic", cfg.Queue.Topic)
		return rt.Pool(proc).Run(ctx)
	})
	return g.Wait()
}
