package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/geocoder89/manifold/internal/alerting"
	"github.com/geocoder89/manifold/internal/cleanup"
	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/dispatcher"
	"github.com/geocoder89/manifold/internal/manager"
	"github.com/geocoder89/manifold/internal/observability"
	"github.com/geocoder89/manifold/internal/registry"
	"github.com/geocoder89/manifold/internal/store/postgres"
	"github.com/geocoder89/manifold/internal/taskserver"
	"github.com/geocoder89/manifold/internal/worker"
	"github.com/geocoder89/manifold/internal/workflowbus"
	"github.com/geocoder89/manifold/internal/workflows"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "manifold-scheduler", "localhost:4317")
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Default().ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)
	schedulerMetrics := observability.NewSchedulerMetrics()

	db := postgres.New(pool, prom)

	reg2 := registry.New()
	workflows.RegisterBuiltins(reg2)
	if err := reg2.SeedManifests(ctx, db); err != nil {
		slog.Default().ErrorContext(ctx, "seed manifests failed", "err", err)
		os.Exit(1)
	}

	bus := workflowbus.New(reg2)
	alerter := alerting.NewLogAlerter()

	mgr := manager.New(manager.Config{
		PollInterval:              cfg.PollInterval,
		DueCandidateBatchSize:     cfg.DueCandidateBatchSize,
		RecoverStuckJobsOnStartup: cfg.RecoverStuckJobsOnStartup,
		DefaultJobTimeout:         cfg.StuckJobTimeout,
		Cleanup: cleanup.Config{
			BatchSize:            cfg.CleanupBatchSize,
			MetadataRetention:    cfg.MetadataRetention,
			DeadLetterRetention:  cfg.DeadLetterRetention,
			AutoPurgeDeadLetters: false,
		},
	}, db, alerter, schedulerMetrics)

	var inProcess *taskserver.InProcess
	factory := func(run taskserver.Runner) taskserver.TaskServer {
		inProcess = taskserver.NewInProcess(run)
		return taskserver.NewProtected(inProcess, taskserver.ProtectedConfig{
			Timeout:          2 * time.Second,
			FailureThreshold: 3,
			Cooldown:         15 * time.Second,
			HalfOpenMaxCalls: 1,
		})
	}

	disp := dispatcher.New(dispatcher.Config{
		MaxActiveDispatchers: cfg.MaxActiveDispatchers,
		PollInterval:         2 * time.Second,
	}, db, bus, factory, alerter, schedulerMetrics)

	slog.Default().InfoContext(ctx, "scheduler.start",
		"workflows", reg2.Names(),
		"max_active_dispatchers", cfg.MaxActiveDispatchers,
		"poll_interval", cfg.PollInterval,
	)

	var shuttingDown atomic.Bool
	debugMux := http.NewServeMux()
	debugMux.Handle("/", worker.HealthHandler())
	debugMux.Handle("/readyz", worker.ReadyHandler(poolPinger{pool: pool}, shuttingDown.Load))
	debugMux.HandleFunc("/background-jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(inProcess.Jobs())
	})

	debugAddr := os.Getenv("SCHEDULER_DEBUG_ADDR")
	if debugAddr == "" {
		debugAddr = ":8082"
	}
	debugSrv := &http.Server{Addr: debugAddr, Handler: debugMux}
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "scheduler.debug_server_failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()

	wg.Wait()
	shuttingDown.Store(true)

	// Run() returning only means the poll loop exited on ctx-cancel; cycles
	// and dispatches already underway are drained here before we pull the
	// debug server out from under them.
	mgr.Stop(cfg.ShutdownGrace)
	disp.Stop(cfg.ShutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = debugSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	slog.Default().InfoContext(context.Background(), "scheduler.shutdown_complete")
}
