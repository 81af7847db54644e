package risk

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/metrics"
)

const ipCacheKeyPrefix = "antifraud:ip:"

// RedisIPCache is a read-through, write-through cache in front of an
// IPReputationStore: an in-process TTLCache backed by a shared Redis.
// Redis failures fall through to the inner store.
type RedisIPCache struct {
	inner  IPReputationStore
	client *redis.Client
	ttl    time.Duration
	local  *TTLCache[string, IPReputationRecord]
	logger *zap.Logger
}

// NewRedisIPCache wraps inner. localCapacity bounds the in-process layer.
func NewRedisIPCache(inner IPReputationStore, client *redis.Client, ttl time.Duration, localCapacity int, now Clock, log *zap.Logger) *RedisIPCache {
	if log == nil {
		log = zap.NewNop()
	}
	localTTL := ttl
	if localTTL > time.Minute {
		localTTL = time.Minute
	}
	return &RedisIPCache{
		inner:  inner,
		client: client,
		ttl:    ttl,
		local:  NewTTLCache[string, IPReputationRecord](localCapacity, localTTL, now),
		logger: log.With(zap.String("component", "ip_cache")),
	}
}

func ipCacheKey(ip string) string {
	return ipCacheKeyPrefix + ip
}

// GetIPRecord checks the local layer, then Redis, then the inner store
func (c *RedisIPCache) GetIPRecord(ctx context.Context, ip string) (*IPReputationRecord, error) {
	if rec, ok := c.local.Get(ip); ok {
		metrics.RecordCacheOperation("ip_local", "hit")
		return &rec, nil
	}

	data, err := c.client.Get(ctx, ipCacheKey(ip)).Bytes()
	switch {
	case err == nil:
		var rec IPReputationRecord
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
			metrics.RecordCacheOperation("ip_redis", "hit")
			c.local.Set(ip, rec)
			return &rec, nil
		}
		c.logger.Warn("Discarding undecodable cached IP record", zap.String("ip", ip))
	case errors.Is(err, redis.Nil):
		metrics.RecordCacheOperation("ip_redis", "miss")
	default:
		metrics.RecordCacheOperation("ip_redis", "error")
		c.logger.Warn("Redis read failed, falling back to store", zap.String("ip", ip), zap.Error(err))
	}

	rec, err := c.inner.GetIPRecord(ctx, ip)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, rec)
	return rec, nil
}

// SaveIPRecord writes through to the inner store, then caches what the store
// now holds. rec may carry a block state that an admin change has since
// superseded, so it is never cached as given.
func (c *RedisIPCache) SaveIPRecord(ctx context.Context, rec *IPReputationRecord) error {
	if err := c.inner.SaveIPRecord(ctx, rec); err != nil {
		return err
	}
	stored, err := c.inner.GetIPRecord(ctx, rec.IP)
	if err != nil {
		c.logger.Warn("Re-read after save failed, dropping cached IP record", zap.String("ip", rec.IP), zap.Error(err))
		c.Invalidate(ctx, rec.IP)
		return nil
	}
	c.fill(ctx, stored)
	return nil
}

// SetIPBlocked updates the inner store and caches the authoritative result
func (c *RedisIPCache) SetIPBlocked(ctx context.Context, ip string, blocked bool, reason string, at time.Time) (*IPReputationRecord, error) {
	c.Invalidate(ctx, ip)
	rec, err := c.inner.SetIPBlocked(ctx, ip, blocked, reason, at)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, rec)
	return rec, nil
}

// Invalidate drops ip from both layers
func (c *RedisIPCache) Invalidate(ctx context.Context, ip string) {
	c.local.Delete(ip)
	if err := c.client.Del(ctx, ipCacheKey(ip)).Err(); err != nil {
		c.logger.Warn("Redis invalidate failed", zap.String("ip", ip), zap.Error(err))
	}
}

func (c *RedisIPCache) fill(ctx context.Context, rec *IPReputationRecord) {
	c.local.Set(rec.IP, *rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, ipCacheKey(rec.IP), data, c.ttl).Err(); err != nil {
		metrics.RecordCacheOperation("ip_redis", "error")
		c.logger.Warn("Redis write failed", zap.String("ip", rec.IP), zap.Error(err))
	}
}
