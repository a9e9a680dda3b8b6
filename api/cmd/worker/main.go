package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"multitenant-template/api/internal/outbox"
	"multitenant-template/api/internal/repos"
	"multitenant-template/shared/config"
	"multitenant-template/shared/dbx"
	"multitenant-template/shared/events"
	"multitenant-template/shared/influxx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
	"multitenant-template/shared/mqx"
	"multitenant-template/shared/observability"
	"multitenant-template/shared/routing"
)

const taskOutboxDispatch = "outbox.dispatch"

func main() {
	cfg, problems := config.Load("outbox-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 && cfg.OutboxRoutesPath == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS or OUTBOX_ROUTES_PATH is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	}
	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	resolver, err := loadRoutes(cfg)
	if err != nil {
		logger.Error(context.Background(), "routes_invalid", "outbox routes invalid",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	router := mqx.NewRouter(resolver, cfg)
	defer router.Close()

	dispatcherID := outbox.NewDispatcherID(cfg.ServiceName)

	var recorder outbox.DeliveryRecorder
	if influxx.Configured(cfg) {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "delivery telemetry disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			recorder = outbox.NewInfluxRecorder(influx, dispatcherID)
		}
	}
	deliverer := outbox.NewKafkaDeliverer(router, recorder, logger)

	// Dispatch reserves, delivers and deletes inside one snapshot transaction.
	outboxRepo := repos.NewOutboxRepo(dbPool, cfg.OutboxLease())
	box := outbox.New(outboxRepo, dbx.NewTxManager(dbPool, pgx.RepeatableRead), logger, outbox.Options{
		DeliveryTimeout: cfg.OutboxDeliveryTimeout(),
	})
	job := outbox.NewJob(box, deliverer.Deliver, dispatcherID, cfg.OutboxMaxPerTick, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(
			attribute.String("queue", cfg.AsynqQueue),
			attribute.String("dispatcher_id", dispatcherID),
		)
		defer span.End()
		n := job.Run(ctx)
		span.SetAttributes(attribute.Int("messages", n))
		// Failures are logged by the job and retried on the next tick.
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	interval := time.Duration(cfg.OutboxDispatchSec) * time.Second
	task := asynq.NewTask(taskOutboxDispatch, nil,
		asynq.Queue(cfg.AsynqQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(interval+cfg.OutboxLease()),
	)
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxDispatchSec)+"s", task); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if info, err := inspector.GetQueueInfo(cfg.AsynqQueue); err == nil {
				metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := outboxRepo.Pending(ctx); err == nil {
				metricsx.SetOutboxPending(n)
			}
			cancel()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "outbox worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.String("dispatcher_id", dispatcherID),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Duration("interval", interval),
			slog.Duration("lease", cfg.OutboxLease()),
			slog.Bool("influx", recorder != nil),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "outbox worker stopped")
}

// loadRoutes prefers the routes file. Without one every tenant goes to
// KAFKA_BROKERS and authorization events get their own topics.
func loadRoutes(cfg config.Config) (routing.Resolver, error) {
	if cfg.OutboxRoutesPath != "" {
		return routing.Load(cfg.OutboxRoutesPath)
	}
	return routing.New(routing.Config{
		DefaultCluster: routing.DefaultClusterName,
		DefaultTopic:   cfg.OutboxDefaultTopic,
		TopicMap: map[string]string{
			events.TypeGrantAdded:            events.TopicGrantEvents,
			events.TypeGrantRevoked:          events.TopicGrantEvents,
			events.TypeActivityGroupsChanged: cfg.AuthzGroupsTopic,
		},
		Clusters: map[string]routing.Cluster{
			routing.DefaultClusterName: {Brokers: cfg.KafkaBrokers, ClientID: cfg.KafkaClientID},
		},
	})
}
