package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"multitenant-template/api/internal/authz"
	"multitenant-template/api/internal/handlers"
	"multitenant-template/api/internal/middleware"
	"multitenant-template/api/internal/outbox"
	"multitenant-template/api/internal/repos"
	"multitenant-template/shared/authx"
	"multitenant-template/shared/cachex"
	"multitenant-template/shared/config"
	"multitenant-template/shared/dbx"
	"multitenant-template/shared/httpx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
	"multitenant-template/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(context.Background(), "tracer_init_failed", "tracing disabled",
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	// The policy cache is optional; without Redis every check reads the database.
	var policyCache authz.Cache
	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "cache_disabled", "authorization cache disabled",
			slog.String("error", err.Error()),
		)
	} else {
		policyCache = cache
		defer cache.Close()
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	grantRepo := repos.NewGrantRepo(dbPool)
	groupRepo := repos.NewActivityGroupRepo(dbPool)
	txm := dbx.NewTxManager(dbPool, pgx.ReadCommitted)
	box := outbox.New(repos.NewOutboxRepo(dbPool, cfg.OutboxLease()), txm, logger, outbox.Options{
		DeliveryTimeout: cfg.OutboxDeliveryTimeout(),
	})

	builder := authz.NewDataBuilder(authz.Activities, grantRepo, groupRepo, policyCache, logger, authz.BuilderOptions{
		Namespace:    cfg.AuthzCacheNamespace,
		GrantsTTL:    time.Duration(cfg.AuthzGrantsCacheTTLSec) * time.Second,
		GrantsMaxAge: time.Duration(cfg.AuthzGrantsMaxAgeSec) * time.Second,
		GroupsTTL:    time.Duration(cfg.AuthzGroupsCacheTTLSec) * time.Second,
	})
	evaluator := authz.NewEvaluator(builder)
	grantService := authz.NewGrantService(grantRepo, box, txm, policyCache, cfg.AuthzCacheNamespace, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": auth.Subject,
			"email":   auth.Email,
			"name":    auth.DisplayName(),
			"tenants": auth.Tenants,
		})
	})

	handlers.Authorization{
		Queries:   grantRepo,
		Commands:  grantService,
		Evaluator: evaluator,
		Catalog:   authz.Activities,
		Logger:    logger,
	}.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	public := func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return true
		}
		return false
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.RequireDependencies{
		Missing: func() []string {
			if dbPool == nil {
				return []string{"database"}
			}
			return nil
		},
		Skip: public,
	}.Wrap(handler)
	handler = middleware.TenantMiddleware{
		Skip: func(r *http.Request) bool { return public(r) || r.URL.Path == "/api/v1/me" },
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: public}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	// Recover runs inside the timeout goroutine; the request log sees the
	// request id and the final status, timeouts included.
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = httpx.WithRequestID(handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Bool("policy_cache", policyCache != nil),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	_ = shutdownTracer(shutdownCtx)
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
