package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"multitenant-template/api/internal/authz"
	"multitenant-template/api/internal/models"
	"multitenant-template/api/internal/repos"
	"multitenant-template/shared/cachex"
	"multitenant-template/shared/config"
	"multitenant-template/shared/dbx"
	"multitenant-template/shared/lockx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
	"multitenant-template/shared/mqx"
	"multitenant-template/shared/observability"
	"multitenant-template/shared/tenantx"
)

func main() {
	cfg, problems := config.Load("activity-groups-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "cache_init_failed", "cache init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	reader, err := mqx.NewConsumer(cfg, cfg.AuthzGroupsTopic, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	groupSync := authz.NewActivityGroupSync(
		repos.NewActivityGroupRepo(dbPool),
		repos.NewInboxRepo(dbPool),
		dbx.NewTxManager(dbPool, pgx.ReadCommitted),
		lockx.New(cache.Client()),
		cache,
		logger,
		authz.SyncOptions{
			Namespace: cfg.AuthzCacheNamespace,
			LockTTL:   time.Duration(cfg.AuthzSyncLockTTLSec) * time.Second,
			Source:    cfg.AuthzGroupsTopic,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "activity groups consumer started",
		slog.String("topic", cfg.AuthzGroupsTopic),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		decoded, ok, err := decodeGroupsMessage(msg)
		if err != nil {
			// A poison message is logged and committed; retrying cannot fix it.
			logger.Error(ctx, "event_decode_failed", "dropping undecodable message",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else if ok {
			if err := applyWithRetry(ctx, groupSync, decoded, logger); err != nil {
				break
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "activity groups consumer stopped")
}

// applyWithRetry retries transient failures until ctx ends, so offsets are
// only committed past applied or rejected messages.
func applyWithRetry(ctx context.Context, groupSync *authz.ActivityGroupSync, msg groupsMessage, logger logx.Logger) error {
	backoff := 500 * time.Millisecond
	for {
		err := handleGroups(ctx, groupSync, msg, logger)
		if err == nil || errors.Is(err, models.ErrInvalidArgument) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func handleGroups(ctx context.Context, groupSync *authz.ActivityGroupSync, msg groupsMessage, logger logx.Logger) error {
	if msg.CorrelationID != "" {
		ctx = tenantx.WithCorrelationID(ctx, msg.CorrelationID)
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.message_id", msg.MessageID.String()),
		attribute.Int("groups", len(msg.Groups)),
	)

	applied, err := groupSync.ApplyOnce(ctx, msg.MessageID, msg.Groups)
	if err != nil {
		logger.Error(ctx, "activity_groups_sync_failed", "failed to apply activity groups",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("message_id", msg.MessageID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !applied {
		logger.Info(ctx, "activity_groups_duplicate", "activity groups message already applied",
			slog.String("message_id", msg.MessageID.String()),
		)
	}
	return nil
}
