// Package config loads process configuration from the environment (DB,
// cache, Slack, server) and a YAML file of allocation scoring weights
// that hot-reloads via fsnotify, so ops can retune the matcher without a
// restart. No production source in the retrieved pack builds this
// ambient layer directly (the pack is overwhelmingly test files), so
// this follows the go.mod's own fsnotify/yaml.v3 choices the way each
// library's documented usage expects.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cleanco/dispatchcore/internal/allocation"
)

// Config holds every environment-derived setting the composition root
// needs to wire up the dispatch core.
type Config struct {
	DatabaseURL string
	RedisAddr   string

	SlackToken   string
	SlackChannel string

	HTTPAddr   string
	LogLevel   string
	LogDev     bool

	AllocationWeightsPath string
}

// Load reads Config from the environment, applying the same defaults a
// local dev instance would use.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:           getenv("DATABASE_URL", "postgres://localhost:5432/dispatchcore?sslmode=disable"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		SlackToken:            os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:          getenv("SLACK_ADMIN_CHANNEL", "#ops-alerts"),
		HTTPAddr:              getenv("HTTP_ADDR", ":8080"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		LogDev:                getenvBool("LOG_DEV", false),
		AllocationWeightsPath: os.Getenv("ALLOCATION_WEIGHTS_PATH"),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// allocationWeightsFile is the YAML shape of the hot-reloadable weights
// file; fields absent from the file keep allocation.DefaultConfig's values.
type allocationWeightsFile struct {
	QueueWeight        *float64 `yaml:"queue_weight"`
	DistanceWeight     *float64 `yaml:"distance_weight"`
	RatingWeight       *float64 `yaml:"rating_weight"`
	AssignmentTimeoutMS *int    `yaml:"assignment_timeout_ms"`
	MaxCandidatesToTry *int     `yaml:"max_candidates_to_try"`
}

// WeightsWatcher watches a YAML file of allocation scoring weights and
// hands each parsed revision to onChange, so an operator can retune
// queue/distance/rating weighting without restarting the process.
type WeightsWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(allocation.Config)
}

// NewWeightsWatcher loads path once synchronously (onChange is called
// with the initial value before NewWeightsWatcher returns) and prepares an fsnotify
// watch for subsequent edits.
func NewWeightsWatcher(path string, onChange func(allocation.Config)) (*WeightsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	ww := &WeightsWatcher{path: path, watcher: w, onChange: onChange}

	cfg, err := ww.load()
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	onChange(cfg)

	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return ww, nil
}

func (ww *WeightsWatcher) load() (allocation.Config, error) {
	cfg := allocation.DefaultConfig()

	body, err := os.ReadFile(ww.path)
	if err != nil {
		return allocation.Config{}, fmt.Errorf("read %s: %w", ww.path, err)
	}

	var file allocationWeightsFile
	if err := yaml.Unmarshal(body, &file); err != nil {
		return allocation.Config{}, fmt.Errorf("parse %s: %w", ww.path, err)
	}

	if file.QueueWeight != nil {
		cfg.QueueWeight = *file.QueueWeight
	}
	if file.DistanceWeight != nil {
		cfg.DistanceWeight = *file.DistanceWeight
	}
	if file.RatingWeight != nil {
		cfg.RatingWeight = *file.RatingWeight
	}
	if file.AssignmentTimeoutMS != nil {
		cfg.AssignmentTimeout = time.Duration(*file.AssignmentTimeoutMS) * time.Millisecond
	}
	if file.MaxCandidatesToTry != nil {
		cfg.MaxCandidatesToTry = *file.MaxCandidatesToTry
	}
	return cfg, nil
}

// Run blocks, re-reading the weights file and invoking onChange on every
// write/create event, until ctx-independent Close is called. Errors
// reading a malformed revision are swallowed with a log line left to the
// caller (returned here so cmd/dispatchd can log it) — a bad edit must
// never crash the process or freeze it on stale weights.
func (ww *WeightsWatcher) Run(onError func(error)) {
	for {
		select {
		case event, ok := <-ww.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := ww.load()
			if err != nil {
				onError(err)
				continue
			}
			ww.onChange(cfg)
		case err, ok := <-ww.watcher.Errors:
			if !ok {
				return
			}
			onError(err)
		}
	}
}

// Close stops the underlying fsnotify watch.
func (ww *WeightsWatcher) Close() error {
	return ww.watcher.Close()
}
