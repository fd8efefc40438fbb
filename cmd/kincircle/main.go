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

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kincircle/kincircle/internal/app"
	"github.com/kincircle/kincircle/internal/assignment"
	"github.com/kincircle/kincircle/internal/audit"
	"github.com/kincircle/kincircle/internal/authz"
	authzcache "github.com/kincircle/kincircle/internal/authz/cache"
	"github.com/kincircle/kincircle/internal/catalog"
	"github.com/kincircle/kincircle/internal/notify"
	"github.com/kincircle/kincircle/internal/observability"
	"github.com/kincircle/kincircle/internal/override"
	"github.com/kincircle/kincircle/internal/platform/cache"
	"github.com/kincircle/kincircle/internal/platform/db"
	"github.com/kincircle/kincircle/internal/ratelimit"
	"github.com/kincircle/kincircle/jobs"
)

// emergencyGrantSource resolves the break-glass permission set. Overrides
// snapshot these permissions at activation time.
type emergencyGrantSource struct {
	pool    *pgxpool.Pool
	catalog *catalog.Service
}

func (s emergencyGrantSource) EmergencyPermissions(ctx context.Context) ([]catalog.Permission, error) {
	const query = `SELECT id FROM permission_sets WHERE name = 'emergency_response' LIMIT 1`
	var setID uuid.UUID
	if err := s.pool.QueryRow(ctx, query).Scan(&setID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.catalog.ExpandPermissionSet(ctx, setID)
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditRepo := audit.NewRepository(dbpool)
	recorder := audit.NewRecorder(auditRepo, logger, cfg.AuditBuffer)
	go recorder.Run(ctx)

	metrics := observability.NewMetrics(func() float64 {
		return float64(recorder.Dropped())
	})

	decisionCache := authzcache.New(redisClient, authzcache.Config{
		LocalSize: cfg.CacheLocalSize,
		LocalTTL:  cfg.CacheLocalTTL,
		ReadTTL:   cfg.CacheReadTTL,
		WriteTTL:  cfg.CacheWriteTTL,
		DeleteTTL: cfg.CacheDeleteTTL,
		AdminTTL:  cfg.CacheAdminTTL,
	}, logger)
	decisionCache.Listen(ctx)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	notifier := notify.NewDispatcher(queueClient, logger)

	catalogRepo := catalog.NewRepository(dbpool)
	catalogService := catalog.NewService(catalogRepo, recorder, decisionCache)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	assignmentRepo := assignment.NewRepository(dbpool)
	assignmentService := assignment.NewService(assignmentRepo, catalogService, decisionCache, recorder, notifier)
	assignmentHandler := assignment.NewHandler(logger, assignmentService)

	overrideRepo := override.NewRepository(dbpool)
	overrideService := override.NewService(overrideRepo, emergencyGrantSource{pool: dbpool, catalog: catalogService}, recorder, notifier, decisionCache)
	overrideHandler := override.NewHandler(logger, overrideService)

	ownerLookup := authz.NewPGOwnerLookup(dbpool)
	scopes := authz.NewScopeRegistry()
	for _, resourceType := range []string{"calendar_event", "task", "document", "member_profile", "circle"} {
		scopes.Register(resourceType, authz.NewRelationResolver(resourceType, ownerLookup))
	}

	limiter := ratelimit.NewRedisLimiter(redisClient, "authz:rl:", cfg.RateLimitMax, cfg.RateLimitWindow)

	evaluator := authz.NewEvaluator(authz.EvaluatorParams{
		Limiter:      limiter,
		Cache:        decisionCache,
		Sources:      assignmentService,
		Overrides:    overrideService,
		Scopes:       scopes,
		Audit:        recorder,
		Metrics:      metrics,
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})
	authzHandler := authz.NewHandler(logger, evaluator)

	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AuthzHandler:      authzHandler,
		CatalogHandler:    catalogHandler,
		AssignmentHandler: assignmentHandler,
		OverrideHandler:   overrideHandler,
		AuditHandler:      auditHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
