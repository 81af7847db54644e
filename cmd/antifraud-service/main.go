// Package main is the entry point for the antifraud risk-scoring service
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/common/config"
	"github.com/openidx/antifraud/internal/common/database"
	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/common/health"
	"github.com/openidx/antifraud/internal/common/logger"
	"github.com/openidx/antifraud/internal/common/middleware"
	"github.com/openidx/antifraud/internal/common/resilience"
	"github.com/openidx/antifraud/internal/common/shutdown"
	"github.com/openidx/antifraud/internal/common/tracing"
	"github.com/openidx/antifraud/internal/metrics"
	"github.com/openidx/antifraud/internal/risk"
	"github.com/openidx/antifraud/pkg/storage"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

const serviceName = "antifraud-service"

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting antifraud service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	cfg.LogSecurityWarnings(log)

	ctx := context.Background()
	sm := shutdown.NewShutdownManager(log, cfg.Server.ShutdownTimeout)

	// Initialize tracing
	shutdownTracer, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}, log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		sm.RegisterHook("tracer", shutdownTracer)
	}

	healthService := health.NewHealthService(log, Version)
	breakers := resilience.NewRegistry()

	stores, err := openStores(ctx, cfg, sm, healthService, log)
	if err != nil {
		log.Fatal("Failed to open reputation store", zap.Error(err))
	}

	// Redis backs the shared IP cache and the rate limiter
	var redisClient *database.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		sm.RegisterHook("redis", func(context.Context) error { return redisClient.Close() })
		healthService.RegisterCheck(health.NewPingChecker("redis", redisClient, 100*time.Millisecond))

		stores.ips = risk.NewRedisIPCache(stores.ips, redisClient.Client, cfg.Cache.IPTTL, cfg.Cache.Capacity, time.Now, log)
		log.Info("Redis IP reputation cache enabled", zap.Duration("ttl", cfg.Cache.IPTTL))
	}

	provider, closeProvider, err := newIPProvider(cfg.IPProvider, breakers, log)
	if err != nil {
		log.Fatal("Failed to initialize IP provider", zap.Error(err))
	}
	sm.RegisterHook("ip_provider", func(context.Context) error { return closeProvider() })
	healthService.RegisterCheck(health.NewBreakerChecker(breakers))

	fences := risk.NewCachedGeofenceProvider(stores.fences, cfg.Cache.Capacity, cfg.Cache.GeofenceTTL, time.Now)

	auditTarget := stores.audit
	if cfg.Audit.LedgerPath != "" {
		ledger, err := storage.OpenLedger(cfg.Audit.LedgerPath)
		if err != nil {
			log.Fatal("Failed to open audit ledger", zap.Error(err))
		}
		sm.RegisterHook("audit_ledger", func(context.Context) error { return ledger.Close() })
		auditTarget = risk.MultiAuditSink{auditTarget, risk.NewLedgerAuditSink(ledger)}
		log.Info("Audit ledger enabled", zap.String("path", cfg.Audit.LedgerPath))
	}

	// Registered after the stores so it drains before they close
	auditSink := risk.NewAsyncAuditSink(auditTarget, cfg.Audit.Buffer, log)
	sm.RegisterHook("audit", auditSink.Close)

	engine, err := risk.NewEngine(risk.Dependencies{
		Fingerprints: stores.fingerprints,
		IPs:          stores.ips,
		IPProvider:   provider,
		Geofences:    fences,
		History:      stores.history,
		Audit:        auditSink,
	}, riskConfig(cfg.Risk), time.Now, log)
	if err != nil {
		log.Fatal("Failed to initialize risk engine", zap.Error(err))
	}

	admin := risk.NewAdmin(stores.fingerprints, stores.ips, stores.fences, fences, logger.NewAuditLogger(log), time.Now)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(apperrors.ErrorHandler())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.Middleware(serviceName))
	if cfg.RateLimit.Enabled {
		if redisClient != nil {
			router.Use(middleware.RateLimit(redisClient.Client, rateLimitConfig(cfg.RateLimit), log))
		} else {
			log.Warn("Rate limiting enabled but no redis_url configured, requests are not limited")
		}
	}

	router.GET("/metrics", metrics.Handler())
	healthService.RegisterStandardRoutes(router)
	risk.RegisterRoutes(router, risk.NewHandler(engine, admin, stores.reader, log))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if err := sm.GracefulServe("http", server); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	log.Info("Antifraud service listening",
		zap.Int("port", cfg.Port),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("ip_provider", provider.Name()))

	sm.WaitForShutdown()
	log.Info("Antifraud service stopped")
}
