package cache

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// Redis backs the cache contract with a distributed store, transparently
// falling back to an in-process Memory cache (with identical semantics)
// whenever the Redis client errors, per spec §4.6's fallback requirement.
type Redis struct {
	client   *redis.Client
	fallback *Memory
	log      logr.Logger
}

// NewRedis wraps an existing go-redis client. Pass nil to run entirely on
// the in-memory fallback (e.g. in tests, or when no REDIS_URL is set).
func NewRedis(client *redis.Client, log logr.Logger) *Redis {
	return &Redis{client: client, fallback: NewMemory(), log: log}
}

func (r *Redis) useRedis() bool { return r.client != nil }

func (r *Redis) warn(op string, err error) {
	r.log.V(1).Info("cache backend unavailable, using in-memory fallback", "op", op, "error", err.Error())
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	if r.useRedis() {
		v, err := r.client.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			return "", false, nil
		case err != nil:
			r.warn("get", err)
		default:
			return v, true, nil
		}
	}
	return r.fallback.Get(ctx, key)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.useRedis() {
		if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
			r.warn("set", err)
		} else {
			return nil
		}
	}
	return r.fallback.Set(ctx, key, value, ttl)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.useRedis() {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.warn("delete", err)
		} else {
			return nil
		}
	}
	return r.fallback.Delete(ctx, key)
}

func (r *Redis) HGet(ctx context.Context, hash, field string) (string, bool, error) {
	if r.useRedis() {
		v, err := r.client.HGet(ctx, hash, field).Result()
		switch {
		case err == redis.Nil:
			return "", false, nil
		case err != nil:
			r.warn("hget", err)
		default:
			return v, true, nil
		}
	}
	return r.fallback.HGet(ctx, hash, field)
}

func (r *Redis) HSet(ctx context.Context, hash, field, value string) error {
	if r.useRedis() {
		if err := r.client.HSet(ctx, hash, field, value).Err(); err != nil {
			r.warn("hset", err)
		} else {
			return nil
		}
	}
	return r.fallback.HSet(ctx, hash, field, value)
}

func (r *Redis) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	if r.useRedis() {
		v, err := r.client.HGetAll(ctx, hash).Result()
		if err != nil {
			r.warn("hgetall", err)
		} else {
			return v, nil
		}
	}
	return r.fallback.HGetAll(ctx, hash)
}

func (r *Redis) HIncrBy(ctx context.Context, hash, field string, delta int64) (int64, error) {
	if r.useRedis() {
		v, err := r.client.HIncrBy(ctx, hash, field, delta).Result()
		if err != nil {
			r.warn("hincrby", err)
		} else {
			return v, nil
		}
	}
	return r.fallback.HIncrBy(ctx, hash, field, delta)
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if r.useRedis() {
		if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
			r.warn("zadd", err)
		} else {
			return nil
		}
	}
	return r.fallback.ZAdd(ctx, key, member, score)
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if r.useRedis() {
		v, err := r.client.ZRange(ctx, key, start, stop).Result()
		if err != nil {
			r.warn("zrange", err)
		} else {
			return v, nil
		}
	}
	return r.fallback.ZRange(ctx, key, start, stop)
}
