package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client, logr.Discard()), mr
}

func TestRedisGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ = c.Get(ctx, "k")
	if ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestRedisFallsBackWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client, logr.Discard())
	mr.Close() // simulate the backend going away mid-flight

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set should fall back, not error: %v", err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get after fallback = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}
}

func TestRedisHashOps(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	n, err := c.HIncrBy(ctx, "dashboard:stats", "active_jobs", 1)
	if err != nil || n != 1 {
		t.Fatalf("hincrby = (%d, %v), want (1, nil)", n, err)
	}
	n, _ = c.HIncrBy(ctx, "dashboard:stats", "active_jobs", 2)
	if n != 3 {
		t.Fatalf("hincrby cumulative = %d, want 3", n)
	}
	all, err := c.HGetAll(ctx, "dashboard:stats")
	if err != nil || all["active_jobs"] != "3" {
		t.Fatalf("hgetall = %v, %v", all, err)
	}
}

func TestRedisZRange(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	if err := c.ZAdd(ctx, "recent_jobs:DXB", "job2", 200); err != nil {
		t.Fatal(err)
	}
	if err := c.ZAdd(ctx, "recent_jobs:DXB", "job1", 100); err != nil {
		t.Fatal(err)
	}
	members, err := c.ZRange(ctx, "recent_jobs:DXB", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != "job1" || members[1] != "job2" {
		t.Fatalf("zrange = %v, want [job1 job2]", members)
	}
}
