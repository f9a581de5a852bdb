// Package app assembles the coordination layer from configuration. The
// gateway, the worker and enrollctl all build one Runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/enrollment-sagas/internal/admin"
	"github.com/jcmexdev/enrollment-sagas/internal/api-gateway/infra/httpx"
	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/idempotency"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/config"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/queue"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/sqldb"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
	"github.com/jcmexdev/enrollment-sagas/internal/worker"
)

type Runtime struct {
	Config      config.Config
	Logger      *slog.Logger
	DB          *sqldb.DB
	Store       cache.Store
	Audit       sagalog.Repository
	Breakers    *breaker.Registry
	Idempotency *idempotency.Manager
	Catalog     *catalog.Catalog
	Seats       *seats.Allocator
	Engine      *coordinator.Engine
	Builder     *enrollment.Builder
	Records     *enrollment.Records
	Tasks       *worker.TaskStore
	Admin       *admin.Service

	memQueue *queue.MemoryQueue
	closers  []func() error
}

// New opens every store named by cfg. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = rt.Close()
		}
	}()

	var err error
	rt.DB, err = sqldb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.DB.Close)

	rt.Store, err = openStore(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return cache.Close(rt.Store) })

	if cfg.AuditDBPath != "" {
		repo, err := sqlite.Open(cfg.AuditDBPath)
		if err != nil {
			return nil, err
		}
		rt.Audit = repo
		rt.closers = append(rt.closers, repo.Close)
	}

	breakerConfigs := breaker.DefaultConfigs()
	if cfg.BreakerConfigPath != "" {
		if breakerConfigs, err = breaker.LoadConfigs(cfg.BreakerConfigPath); err != nil {
			return nil, err
		}
	}
	rt.Breakers = breaker.NewRegistry(rt.Store,
		breaker.WithConfigs(breakerConfigs),
		breaker.WithLogger(logger.With("component", "breaker")),
	)

	rt.Idempotency = idempotency.NewManager(rt.Store, rt.Breakers,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(logger.With("component", "idempotency")),
	)

	rt.Catalog = catalog.New(rt.DB)
	rt.Seats = seats.NewAllocator(rt.DB)
	rt.Builder = enrollment.NewBuilder(rt.Catalog, rt.Seats)
	rt.Records = enrollment.NewRecords(rt.Catalog, rt.Seats, rt.Idempotency, logger.With("component", "records"))

	engineOpts := []coordinator.Option{
		coordinator.WithTimeout(cfg.Saga.Timeout),
		coordinator.WithRetention(cfg.Saga.Retention),
		coordinator.WithLeaseTTL(cfg.Saga.LeaseTTL),
		coordinator.WithStepAttempts(cfg.Saga.StepAttempts),
		coordinator.WithCompensation(cfg.Saga.CompensationTimeout, cfg.Saga.CompensationTries),
		coordinator.WithOwner(workerID(cfg.WorkerID)),
		coordinator.WithAlert(alertLogger(logger)),
		coordinator.WithLogger(logger.With("component", "coordinator")),
	}
	if rt.Audit != nil {
		engineOpts = append(engineOpts, coordinator.WithAuditLog(rt.Audit))
	}
	rt.Engine = coordinator.NewEngine(coordinator.NewInstanceStore(rt.Store), rt.Breakers, engineOpts...)

	rt.Tasks = worker.NewTaskStore(rt.Store, cfg.TaskTTL)
	rt.Admin = admin.NewService(rt.Breakers, rt.Engine, rt.Idempotency, rt.Audit, logger.With("component", "admin"))

	if cfg.Queue.Driver == config.DriverMemory {
		rt.memQueue = queue.NewMemoryQueue(cfg.Queue.Capacity)
		rt.closers = append(rt.closers, rt.memQueue.Close)
	}
	ready = true
	return rt, nil
}

func openStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	if cfg.Driver == config.DriverMemory {
		return cache.NewMemoryStore(cfg.Namespace, nil), nil
	}
	store := cache.NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Namespace)
	if err := cache.Ping(ctx, store); err != nil {
		_ = cache.Close(store)
		return nil, fmt.Errorf("app: redis at %s: %w", cfg.RedisAddr, err)
	}
	return store, nil
}

// Publisher returns the work queue producer.
func (rt *Runtime) Publisher() queue.Publisher {
	if rt.memQueue != nil {
		return rt.memQueue
	}
	p := queue.NewKafkaPublisher(rt.kafkaConfig(), rt.Logger)
	rt.closers = append(rt.closers, p.Close)
	return p
}

// Consumer joins the worker consumer group.
func (rt *Runtime) Consumer() queue.Consumer {
	if rt.memQueue != nil {
		return rt.memQueue
	}
	c := queue.NewKafkaConsumer(rt.kafkaConfig(), rt.Logger)
	rt.closers = append(rt.closers, c.Close)
	return c
}

// EmbeddedWorker reports whether submissions must be consumed in-process.
func (rt *Runtime) EmbeddedWorker() bool { return rt.memQueue != nil }

func (rt *Runtime) kafkaConfig() queue.KafkaConfig {
	return queue.KafkaConfig{
		Brokers: rt.Config.Queue.Brokers,
		Topic:   rt.Config.Queue.Topic,
		GroupID: rt.Config.Queue.GroupID,
	}
}

func (rt *Runtime) Service(pub queue.Publisher) *worker.Service {
	return worker.NewService(rt.Tasks, rt.Idempotency, pub,
		worker.WithInFlightTTL(rt.Config.IdempotencyInFlightTTL),
		worker.WithServiceLogger(rt.Logger.With("component", "submission")),
	)
}

func (rt *Runtime) Processor() *worker.Processor {
	return worker.NewProcessor(rt.Tasks, rt.Idempotency, rt.Builder, rt.Engine,
		worker.WithFailureTTL(rt.Config.IdempotencyFailureTTL),
		worker.WithProcessorInFlightTTL(rt.Config.IdempotencyInFlightTTL),
		worker.WithProcessorLogger(rt.Logger.With("component", "worker")),
	)
}

// Pool consumes work items with the configured concurrency.
func (rt *Runtime) Pool(p *worker.Processor) *worker.Pool {
	return worker.NewPool(rt.Consumer(), p.Handle, rt.Config.Queue.Concurrency, rt.Logger.With("component", "pool"),
		worker.WithHandlerRetry(rt.Config.Queue.HandlerAttempts, 0, 0),
		worker.WithRequeue(rt.Publisher(), rt.Config.Queue.MaxRequeues),
	)
}

func (rt *Runtime) HealthChecks() map[string]httpx.HealthCheck {
	return map[string]httpx.HealthCheck{
		"database": func(ctx context.Context) error { return rt.DB.PingContext(ctx) },
		"cache":    func(ctx context.Context) error { return cache.Ping(ctx, rt.Store) },
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", strings.ToLower(host), os.Getpid())
}

// alertLogger raises sagas that need manual intervention to the operator log.
func alertLogger(logger *slog.Logger) coordinator.AlertFunc {
	return func(ctx context.Context, in *coordinator.Instance) {
		var failed []string
		for _, st := range in.Steps {
			if st.Status == coordinator.StepCompensationFailed {
				failed = append(failed, st.Name)
			}
		}
		logger.ErrorContext(ctx, "ALERT: saga requires manual intervention",
			"component", "alert",
			"saga_id", in.ID,
			"saga", in.Name,
			"correlation_id", in.CorrelationID,
			"reason", in.Reason,
			"uncompensated_steps", failed,
		)
	}
}
