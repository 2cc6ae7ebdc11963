// Package cachetest backs cache.RedisStore with an in-process Redis for tests.
package cachetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/redis/go-redis/v9"
)

// NewStore starts a miniredis server scoped to t and returns a store connected to it.
func NewStore(t testing.TB) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.NewRedisStore(rdb), mr
}
