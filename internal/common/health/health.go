// Package health provides liveness and readiness checks for the antifraud
// service and its dependencies.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/common/resilience"
)

const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// HealthStatus represents the overall health of the service
type HealthStatus struct {
	Status       string                     `json:"status"` // healthy, degraded, unhealthy
	Version      string                     `json:"version,omitempty"`
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// DependencyCheck represents the health check result for a single dependency
type DependencyCheck struct {
	Status    string    `json:"status"`
	Latency   string    `json:"latency"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker is implemented by every dependency check
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) DependencyCheck
}

// HealthService runs the registered checkers concurrently
type HealthService struct {
	checkers  []HealthChecker
	logger    *zap.Logger
	startTime time.Time
	version   string
	mu        sync.RWMutex
}

// NewHealthService creates a new HealthService
func NewHealthService(logger *zap.Logger, version string) *HealthService {
	return &HealthService{
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
		version:   version,
	}
}

// RegisterCheck adds a new health checker to the service
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
}

// Check runs all registered health checkers and aggregates the results
func (h *HealthService) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checkers := append([]HealthChecker(nil), h.checkers...)
	h.mu.RUnlock()

	type result struct {
		name  string
		check DependencyCheck
	}
	results := make(chan result, len(checkers))

	for _, checker := range checkers {
		go func(c HealthChecker) {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results <- result{name: c.Name(), check: c.Check(checkCtx)}
		}(checker)
	}

	dependencies := make(map[string]DependencyCheck, len(checkers))
	for range checkers {
		r := <-results
		dependencies[r.name] = r.check
	}

	overall := "healthy"
	for name, dep := range dependencies {
		switch dep.Status {
		case StatusDown:
			overall = "unhealthy"
			h.logger.Warn("Dependency is down", zap.String("dependency", name), zap.String("details", dep.Details))
		case StatusDegraded:
			if overall != "unhealthy" {
				overall = "degraded"
			}
		}
	}

	return &HealthStatus{
		Status:       overall,
		Version:      h.version,
		Uptime:       formatDuration(time.Since(h.startTime)),
		Dependencies: dependencies,
		CheckedAt:    time.Now(),
	}
}

// Handler serves the detailed report; 503 only when a dependency is down
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())
		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// ReadyHandler is the readiness endpoint. A degraded IP provider does not make
// the service unready since analysis falls back to a neutral score.
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())
		if status.Status == "unhealthy" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": status.Dependencies,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler is the liveness endpoint
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterStandardRoutes registers /health, /health/live and /health/ready
func (h *HealthService) RegisterStandardRoutes(router gin.IRoutes) {
	router.GET("/health", h.Handler())
	router.GET("/health/live", h.LiveHandler())
	router.GET("/health/ready", h.ReadyHandler())
}

// Pinger is satisfied by database.PostgresDB and database.RedisClient
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker pings a connection and reports degraded above slowAfter
type PingChecker struct {
	name      string
	pinger    Pinger
	slowAfter time.Duration
}

// NewPingChecker creates a checker for a pingable dependency
func NewPingChecker(name string, p Pinger, slowAfter time.Duration) *PingChecker {
	return &PingChecker{name: name, pinger: p, slowAfter: slowAfter}
}

// Name returns the checker name
func (p *PingChecker) Name() string {
	return p.name
}

// Check pings the dependency and measures latency
func (p *PingChecker) Check(ctx context.Context) DependencyCheck {
	start := time.Now()
	err := p.pinger.Ping(ctx)
	latency := time.Since(start)

	check := DependencyCheck{Status: StatusUp, Latency: latency.String(), CheckedAt: time.Now()}
	switch {
	case err != nil:
		check.Status = StatusDown
		check.Details = fmt.Sprintf("ping failed: %v", err)
	case p.slowAfter > 0 && latency > p.slowAfter:
		check.Status = StatusDegraded
		check.Details = fmt.Sprintf("high latency: %s", latency)
	}
	return check
}

// BreakerChecker reports degraded while any circuit breaker is open
type BreakerChecker struct {
	registry *resilience.Registry
}

// NewBreakerChecker creates a checker over a circuit breaker registry
func NewBreakerChecker(registry *resilience.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

// Name returns the checker name
func (b *BreakerChecker) Name() string {
	return "ip_provider"
}

// Check inspects the registry without making any outbound calls
func (b *BreakerChecker) Check(ctx context.Context) DependencyCheck {
	check := DependencyCheck{Status: StatusUp, Latency: "0s", CheckedAt: time.Now()}
	for _, s := range b.registry.AllStats() {
		if s.State == resilience.StateOpen {
			check.Status = StatusDegraded
			check.Details = fmt.Sprintf("circuit %s open after %d failures", s.Name, s.Failures)
			break
		}
	}
	return check
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
