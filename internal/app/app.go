// Package app wires every adapter and domain handler into a running
// process, selecting between the "api" and "worker" modes the teacher's
// nightowl service also splits on.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/logharbor/internal/audit"
	"github.com/wisbric/logharbor/internal/auth"
	"github.com/wisbric/logharbor/internal/bus"
	"github.com/wisbric/logharbor/internal/config"
	"github.com/wisbric/logharbor/internal/guard"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/kvcounter"
	"github.com/wisbric/logharbor/internal/mail"
	"github.com/wisbric/logharbor/internal/platform"
	"github.com/wisbric/logharbor/internal/searchindex"
	"github.com/wisbric/logharbor/internal/store"
	"github.com/wisbric/logharbor/internal/telemetry"
	"github.com/wisbric/logharbor/internal/usagecache"
	"github.com/wisbric/logharbor/pkg/alarm"
	"github.com/wisbric/logharbor/pkg/apikey"
	"github.com/wisbric/logharbor/pkg/ingest"
	"github.com/wisbric/logharbor/pkg/project"
	"github.com/wisbric/logharbor/pkg/purge"
	"github.com/wisbric/logharbor/pkg/query"
	"github.com/wisbric/logharbor/pkg/quota"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting logharbor", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPoolSize)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set LOGHARBOR_SESSION_SECRET in production)")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	verifier, err := auth.NewHMACTokenVerifier(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	docStore := store.New(db)
	index := searchindex.New(db)
	messageBus := bus.New(rdb, logger)
	counter := kvcounter.New(rdb)
	mailSink := mail.New(logger, cfg.QuotaEmailFrom)

	apiKeyCacheTTL, err := time.ParseDuration(cfg.APIKeyCacheTTL)
	if err != nil {
		return fmt.Errorf("parsing api key cache ttl %q: %w", cfg.APIKeyCacheTTL, err)
	}
	keyCache := apikey.NewCache(rdb, apiKeyCacheTTL)

	usageCacheTTL, err := time.ParseDuration(cfg.UsageMetadataCacheTTL)
	if err != nil {
		return fmt.Errorf("parsing usage metadata cache ttl %q: %w", cfg.UsageMetadataCacheTTL, err)
	}
	usageCache := usagecache.New(docStore, docStore, rdb, usageCacheTTL, logger)

	quotaSentTTL, err := time.ParseDuration(cfg.QuotaSentFlagTTL)
	if err != nil {
		return fmt.Errorf("parsing quota sent flag ttl %q: %w", cfg.QuotaSentFlagTTL, err)
	}
	quotaCounter := quota.NewCounter(counter, logger, telemetry.QuotaCounterDegradedTotal.Inc)
	quotaNotifier := quota.NewNotifier(counter, mailSink, logger, quotaSentTTL, cfg.QuotaEmailFrom)

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	auditHandler := audit.NewHandler(db, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	ingestController := &ingest.Controller{
		Projects: docStore,
		Usage:    usageCache,
		Cache:    keyCache,
		Counter:  quotaCounter,
		Notifier: quotaNotifier,
		Bus:      messageBus,
		Logger:   logger,
		BusTopic: bus.TopicLogIngestion,
	}

	queryHandler := query.NewHandler(index, docStore)
	purgeHandler := &purge.Handler{Store: docStore, Index: index, Logger: logger}
	apikeyHandler := apikey.NewHandler(docStore, keyCache)
	projectHandler := project.NewHandler(docStore)
	quotaHandler := quota.NewHandler(docStore, docStore, counter)

	bearer := auth.RequireBearer(verifier)
	anyMember := guard.RequireProjectRole(docStore, "")
	editorPlus := guard.RequireProjectRole(docStore, auth.RoleEditor)
	adminOnly := guard.RequireProjectRole(docStore, auth.RoleAdmin)

	srv.APIRouter.Post("/logs", ingestController.HandleSubmit)

	srv.APIRouter.Route("/logs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(bearer, anyMember)
			queryHandler.Mount(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(bearer, adminOnly)
			r.Delete("/{projectId}", auditAction(auditWriter, "purge", "logs", purgeHandler.Purge))
		})
		r.Group(func(r chi.Router) {
			r.Use(bearer, adminOnly)
			auditHandler.Mount(r)
		})
	})

	srv.APIRouter.Route("/projects/{projectId}/api-keys", func(r chi.Router) {
		r.Use(bearer, editorPlus)
		apikeyHandler.Mount(r)
	})

	srv.APIRouter.Route("/projects", func(r chi.Router) {
		r.Use(bearer, adminOnly)
		projectHandler.Mount(r)
	})

	srv.APIRouter.Route("/usage", func(r chi.Router) {
		r.Use(bearer)
		r.Get("/quota", quotaHandler.GetQuota)
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	docStore := store.New(db)
	index := searchindex.New(db)
	messageBus := bus.New(rdb, logger)
	mailSink := mail.New(logger, cfg.QuotaEmailFrom)

	block, err := time.ParseDuration(cfg.BusBlock)
	if err != nil {
		return fmt.Errorf("parsing bus block %q: %w", cfg.BusBlock, err)
	}
	alarmHTTPTimeout, err := time.ParseDuration(cfg.AlarmHTTPTimeout)
	if err != nil {
		return fmt.Errorf("parsing alarm http timeout %q: %w", cfg.AlarmHTTPTimeout, err)
	}

	ingestConsumer := &ingest.Consumer{
		Store:      docStore,
		Index:      index,
		Bus:        messageBus,
		Logger:     logger,
		AlarmTopic: bus.TopicLogAlarm,
	}

	alarmWorker := &alarm.Worker{
		Store:      docStore,
		Mail:       mailSink,
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: alarmHTTPTimeout},
	}

	errCh := make(chan error, 2)
	for i := 0; i < cfg.IngestionConcurrency; i++ {
		consumerName := fmt.Sprintf("%s-%d", cfg.BusConsumerName, i)
		go func(consumer string) {
			errCh <- messageBus.Subscribe(ctx, bus.TopicLogIngestion, cfg.BusConsumerGroup, consumer, 10, block, ingestConsumer.Handle)
		}(consumerName)
	}
	go func() {
		errCh <- messageBus.Subscribe(ctx, bus.TopicLogAlarm, cfg.BusConsumerGroup, cfg.BusConsumerName+"-alarm", 10, block, alarmWorker.Handle)
	}()

	select {
	case <-ctx.Done():
		logger.Info("worker shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// auditAction wraps handler with a best-effort audit log entry written
// after a successful (status below 300) response, adapting nightowl's
// pattern of passing an audit.Writer into mutation handlers to the routing
// layer since these handlers were built against narrower store interfaces
// than audit.Writer exposes. Only the purge route is wrapped.
func auditAction(w *audit.Writer, action, resource string, handler http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
		handler(ww, r)
		if ww.Status() < 300 {
			w.LogFromRequest(r, action, resource, uuid.Nil, nil)
		}
	}
}
