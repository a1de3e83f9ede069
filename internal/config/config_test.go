package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cleanco/dispatchcore/internal/allocation"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("HTTP_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected default redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache.internal:6380")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "cache.internal:6380" {
		t.Fatalf("expected overridden redis addr, got %q", cfg.RedisAddr)
	}
}

func TestWeightsWatcherLoadsInitialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	if err := os.WriteFile(path, []byte("queue_weight: 0.5\ndistance_weight: 0.25\nrating_weight: 0.25\n"), 0o644); err != nil {
		t.Fatalf("write weights file: %v", err)
	}

	var received allocation.Config
	ww, err := NewWeightsWatcher(path, func(cfg allocation.Config) { received = cfg })
	if err != nil {
		t.Fatalf("new weights watcher: %v", err)
	}
	defer ww.Close()

	if received.QueueWeight != 0.5 || received.DistanceWeight != 0.25 || received.RatingWeight != 0.25 {
		t.Fatalf("expected weights from file, got %+v", received)
	}
	// Unset fields fall back to DefaultConfig's.
	if received.MaxCandidatesToTry != allocation.DefaultConfig().MaxCandidatesToTry {
		t.Fatalf("expected default max candidates to try, got %d", received.MaxCandidatesToTry)
	}
}

func TestWeightsWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	if err := os.WriteFile(path, []byte("queue_weight: 0.4\n"), 0o644); err != nil {
		t.Fatalf("write weights file: %v", err)
	}

	changes := make(chan allocation.Config, 4)
	ww, err := NewWeightsWatcher(path, func(cfg allocation.Config) { changes <- cfg })
	if err != nil {
		t.Fatalf("new weights watcher: %v", err)
	}
	defer ww.Close()
	<-changes // drain the initial synchronous call

	go ww.Run(func(error) {})

	if err := os.WriteFile(path, []byte("queue_weight: 0.9\n"), 0o644); err != nil {
		t.Fatalf("rewrite weights file: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.QueueWeight != 0.9 {
			t.Fatalf("expected reloaded queue weight 0.9, got %v", cfg.QueueWeight)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload after the file was rewritten")
	}
}
