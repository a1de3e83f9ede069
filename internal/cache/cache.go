// Package cache implements the short-TTL key/value and small-hash store
// collaborator contract from spec §4.6: get/set/delete, hash
// hget/hset/hincrby, sorted-set zadd/zrange, all with TTL support. It
// transparently falls back to an in-process store with identical
// semantics when the distributed backend is unavailable, grounded on
// cache.py's CacheService/InMemoryCache split.
package cache

import (
	"context"
	"time"
)

// Cache is the collaborator contract the state machine, allocation
// engine, and pricing helper depend on.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	HGet(ctx context.Context, hash, field string) (string, bool, error)
	HSet(ctx context.Context, hash, field, value string) error
	HGetAll(ctx context.Context, hash string) (map[string]string, error)
	HIncrBy(ctx context.Context, hash, field string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Well-known key templates from spec §4.6.
const (
	KeyCleanerStatus      = "cleaner:status:%d"
	KeyDashboardStats     = "dashboard:stats"
	KeyRecentJobs         = "recent_jobs:%s"
	KeyCleanerQueue       = "cleaner:queue:%s"
	KeyUtilization        = "utilization:%s:%s"
	KeyAllocationMetrics  = "allocation:metrics:%s:%s"
)

// TTLs from spec §4.6.
const (
	TTLCleanerStatus     = 30 * time.Second
	TTLCleanerQueue      = time.Hour
	TTLUtilization       = 5 * time.Minute
	TTLAllocationMetrics = 24 * time.Hour
)
