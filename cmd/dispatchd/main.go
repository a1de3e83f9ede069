// Command dispatchd runs the dispatch core's background processes: the
// job state machine and allocation engine (wired here for the SLA monitor
// and for hot-reloadable scoring weights), the cross-process event relay,
// and the SLA monitor's periodic loops. It serves only the ops HTTP
// surface (/healthz, /metrics) — the booking HTTP/WebSocket API that
// would call createJob/allocate/start/complete directly is out of scope
// per spec §1; internal/booking and internal/pricing are exercised by
// their own test suites as the library entry points that API would use.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cleanco/dispatchcore/internal/allocation"
	"github.com/cleanco/dispatchcore/internal/audit"
	"github.com/cleanco/dispatchcore/internal/cache"
	"github.com/cleanco/dispatchcore/internal/config"
	"github.com/cleanco/dispatchcore/internal/eventbus"
	"github.com/cleanco/dispatchcore/internal/jobstate"
	"github.com/cleanco/dispatchcore/internal/logging"
	"github.com/cleanco/dispatchcore/internal/metrics"
	"github.com/cleanco/dispatchcore/internal/notify"
	"github.com/cleanco/dispatchcore/internal/slamonitor"
	"github.com/cleanco/dispatchcore/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Options{Development: cfg.LogDev, Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	jobStore := store.NewPostgres(db)
	workerStore := store.NewPostgres(db)
	historyStore := store.NewPostgres(db)
	auditWriter := audit.NewPostgresWriter(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	c := cache.NewRedis(redisClient, log)

	bus := eventbus.New(log)

	listener := pq.NewListener(cfg.DatabaseURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Error(err, "postgres listener event", "event", ev)
		}
	})
	if err := listener.Listen("dispatch_events"); err != nil {
		return fmt.Errorf("listen dispatch_events: %w", err)
	}
	relay := eventbus.NewPostgresRelay(bus, listener, func(query string, args ...any) error {
		_, execErr := db.ExecContext(ctx, query, args...)
		return execErr
	}, func(msg string, err error) { log.Error(err, msg) })

	rec := metrics.New()

	wallet := loggingWallet{log: log}
	machine := jobstate.New(jobStore, historyStore, workerStore, auditWriter, bus, c, wallet, log)
	machine.Metrics = rec

	allocCfg := allocation.DefaultConfig()
	allocEngine := allocation.NewEngine(workerStore, allocation.NewJobQueuePositioner(jobStore), jobStore, c, allocCfg)
	allocEngine.Metrics = rec

	if cfg.AllocationWeightsPath != "" {
		ww, err := config.NewWeightsWatcher(cfg.AllocationWeightsPath, func(newCfg allocation.Config) {
			allocEngine.SetConfig(newCfg)
		})
		if err != nil {
			return fmt.Errorf("start allocation weights watcher: %w", err)
		}
		defer ww.Close()
		go ww.Run(func(err error) { log.Error(err, "reloading allocation weights") })
	}

	monitor := slamonitor.New(jobStore, workerStore, historyStore, auditWriter, machine, bus, log)

	if cfg.SlackToken != "" {
		notifier := notify.New(cfg.SlackToken, cfg.SlackChannel, log)
		notifier.Subscribe(bus)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return relay.Run(gctx) })
	group.Go(func() error { return monitor.Run(gctx) })
	group.Go(func() error { return serveOps(gctx, cfg.HTTPAddr, rec, db) })

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// serveOps runs the ops-only HTTP surface: /healthz and /metrics. CORS is
// enabled because the operator's /metrics dashboard is browser-hosted
// internally; no booking/customer data ever flows through this router.
func serveOps(ctx context.Context, addr string, rec *metrics.Recorder, db *sqlx.DB) error {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://ops.internal"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(rec.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// loggingWallet stands in for the original's optional wallet module
// ("Wallet module not available, skip rewards processing" in
// job_state_machine.py): spec §3's data model carries no wallet table, so
// cashback crediting has nowhere durable to land in this core. It logs the
// credit as a best-effort side effect instead of silently dropping it.
type loggingWallet struct {
	log interface {
		Info(msg string, kv ...any)
	}
}

func (w loggingWallet) Credit(_ context.Context, customerID int64, amount decimal.Decimal, description string) error {
	w.log.Info("cashback credit (no wallet ledger configured)", "customer_id", customerID, "amount", amount.String(), "description", description)
	return nil
}
