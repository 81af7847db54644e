package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/common/config"
	"github.com/openidx/antifraud/internal/common/database"
	"github.com/openidx/antifraud/internal/common/health"
	"github.com/openidx/antifraud/internal/common/middleware"
	"github.com/openidx/antifraud/internal/common/resilience"
	"github.com/openidx/antifraud/internal/common/shutdown"
	"github.com/openidx/antifraud/internal/risk"
)

// backendStores are the storage roles the engine and admin need. One backend
// fills all of them; ips may later be wrapped by the Redis cache.
type backendStores struct {
	fingerprints risk.FingerprintStore
	ips          risk.IPReputationStore
	fences       risk.GeofenceStore
	history      risk.LocationHistory
	audit        risk.AuditSink
	reader       risk.AnalysisReader
}

func openStores(ctx context.Context, cfg *config.Config, sm *shutdown.ShutdownManager, hs *health.HealthService, log *zap.Logger) (*backendStores, error) {
	if cfg.StoreBackend == "memory" {
		store := risk.NewMemoryStore()
		log.Warn("Using in-memory reputation store")
		return &backendStores{
			fingerprints: store,
			ips:          store,
			fences:       store,
			history:      store,
			audit:        risk.MultiAuditSink{store, risk.NewLogAuditSink(log)},
			reader:       store,
		}, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{})
	if err != nil {
		return nil, err
	}
	sm.RegisterHook("postgres", func(context.Context) error { return db.Close() })
	hs.RegisterCheck(health.NewPingChecker("postgres", db, 200*time.Millisecond))

	store := risk.NewPostgresStore(db, log)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &backendStores{
		fingerprints: store,
		ips:          store,
		fences:       store,
		history:      store,
		audit:        store,
		reader:       store,
	}, nil
}

// newIPProvider builds the configured provider and a func that releases it
func newIPProvider(cfg config.IPProviderConfig, breakers *resilience.Registry, log *zap.Logger) (risk.ExternalIPProvider, func() error, error) {
	noop := func() error { return nil }

	ipapi := func() *risk.IPAPIProvider {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "ipapi",
			Threshold:    cfg.BreakerThreshold,
			ResetTimeout: cfg.BreakerReset,
			Logger:       log,
		})
		breakers.Register(breaker)
		return risk.NewIPAPIProvider(cfg.IPAPIURL, cfg.Timeout, breaker)
	}

	switch cfg.Kind {
	case "ipapi":
		return ipapi(), noop, nil
	case "maxmind", "chain":
		mm, err := risk.OpenMaxMind(cfg.GeoIPCityDB, cfg.GeoIPASNDB, net.DefaultResolver)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Kind == "maxmind" {
			return mm, mm.Close, nil
		}
		return risk.NewChainProvider(log, mm, ipapi()), mm.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ip provider %q", cfg.Kind)
	}
}

// riskConfig keeps the domain package free of the configuration layer
func riskConfig(rc config.RiskConfig) risk.Config {
	weights := func(w config.WeightTable) risk.Weights {
		return risk.Weights{
			Fingerprint: w.Fingerprint,
			IP:          w.IP,
			Geolocation: w.Geolocation,
			Behavior:    w.Behavior,
		}
	}

	return risk.Config{
		WeightsGPS:   weights(rc.WeightsGPS),
		WeightsNoGPS: weights(rc.WeightsNoGPS),
		Tiers: risk.TierThresholds{
			Medium:   rc.Tiers.Medium,
			High:     rc.Tiers.High,
			Critical: rc.Tiers.Critical,
		},
		AnalyzerTimeout:        rc.AnalyzerTimeout,
		IPRefreshAfter:         rc.IPRefreshAfter,
		ImpossibleSpeedKmh:     rc.ImpossibleSpeedKmh,
		FarDistanceMeters:      rc.FarDistanceM,
		ModerateDistanceMeters: rc.ModerateDistanceM,
		NewLocationKm:          rc.NewLocationKm,
		MaxAccuracyMeters:      rc.MaxAccuracyM,
		MaxReadingAge:          rc.MaxReadingAge,
		BotActionsPerMinute:    rc.BotActionsPerMinute,
		BotConsistency:         rc.BotConsistency,
		BotScoreThreshold:      rc.BotScoreThreshold,
	}
}

func rateLimitConfig(rl config.RateLimitConfig) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		Requests:        rl.Requests,
		Window:          rl.Window,
		ScoringRequests: rl.ScoringRequests,
		ScoringWindow:   rl.ScoringWindow,
		ScoringPrefixes: []string{"/api/v1/antifraud/analyze", "/api/v1/antifraud/geofence/validate"},
	}
}
