// Package testutil provides test fixtures for the antifraud stores
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openidx/antifraud/internal/common/database"
)

// NewMiniRedis starts an in-process Redis and returns a client wired to it.
// Both are torn down with the test.
func NewMiniRedis(t *testing.T) (*database.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &database.RedisClient{Client: client}, mini
}
