package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antifraud",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by rate limiting",
		},
		[]string{"tier"},
	)

	rateLimitFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antifraud",
			Name:      "rate_limit_fail_open_total",
			Help:      "Requests allowed because Redis was unavailable",
		},
		[]string{"tier"},
	)
)

// RateLimitConfig configures the Redis fixed-window limiter
type RateLimitConfig struct {
	// Requests per Window for every route not listed below
	Requests int
	Window   time.Duration
	// Scoring routes get their own, usually tighter, budget
	ScoringRequests int
	ScoringWindow   time.Duration
	ScoringPrefixes []string
	// Now is injectable for tests
	Now func() time.Time
}

var rateLimitSkipPaths = map[string]struct{}{
	"/health":       {},
	"/health/live":  {},
	"/health/ready": {},
	"/metrics":      {},
}

// RateLimit counts requests per client IP in fixed windows held in Redis.
// When Redis is unreachable the request is allowed.
func RateLimit(client *redis.Client, cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger = logger.With(zap.String("component", "rate_limit"))

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if _, skip := rateLimitSkipPaths[path]; skip {
			c.Next()
			return
		}

		tier, limit, window := "default", cfg.Requests, cfg.Window
		if cfg.ScoringRequests > 0 && hasAnyPrefix(path, cfg.ScoringPrefixes) {
			tier, limit, window = "scoring", cfg.ScoringRequests, cfg.ScoringWindow
		}
		if limit <= 0 || window < time.Second {
			c.Next()
			return
		}

		now := cfg.Now().Unix()
		windowSecs := int64(window / time.Second)
		key := fmt.Sprintf("antifraud:ratelimit:%s:%s:%d", tier, c.ClientIP(), now/windowSecs)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		count, err := client.Incr(ctx, key).Result()
		if err != nil {
			rateLimitFailOpen.WithLabelValues(tier).Inc()
			logger.Warn("Rate limit Redis error, failing open", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			client.Expire(ctx, key, window+time.Second)
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			c.Header("Retry-After", strconv.FormatInt(windowSecs-now%windowSecs, 10))
			rateLimitHits.WithLabelValues(tier).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
