// Package main is the entry point for the waypoint flow orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/consistency"
	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/idempotency"
	"github.com/pitabwire/waypoint/internal/lifecycle"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/orchestrator"
	"github.com/pitabwire/waypoint/internal/phasegraph"
	"github.com/pitabwire/waypoint/internal/recovery"
	"github.com/pitabwire/waypoint/internal/routing"
	"github.com/pitabwire/waypoint/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "waypoint", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Phase graphs: the compiled-in discovery graph plus any YAML-defined
	// versions from the configured directories.
	loader := phasegraph.NewLoader()
	extra, err := loader.LoadAll(cfg.Graphs.Directories)
	if err != nil {
		logger.Error("phase graph loading failed", zap.Error(err))
		return 1
	}
	graphs := phasegraph.NewRegistry(extra...)
	metrics.SetGraphsLoaded(float64(len(graphs.Versions())))

	store, storeCloser, err := buildFlowStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("flow store initialization failed", zap.Error(err))
		return 1
	}

	reports, reportsCloser, err := buildReportStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	audit := flow.NewStoreAuditSink(store)
	validator := consistency.NewValidator(graphs, store, cfg.Consistency.StaleAfter)
	recoveryEngine := recovery.NewEngine(store, store, graphs, validator, audit, logger)
	transitionRouter := routing.NewRouter(store, graphs, validator, logger)
	manager := lifecycle.NewManager(store, store, graphs, recoveryEngine, audit, logger, cfg.Bulk.MaxBatch)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Pointers:  store,
		Graphs:    graphs,
		Validator: validator,
		Recovery:  recoveryEngine,
		Router:    transitionRouter,
		Lifecycle: manager,
		Audit:     audit,
		Metrics:   metrics,
		Logger:    logger,
		Reports:   reports,
		ReportTTL: cfg.Idempotency.Store.DefaultTTL,
	})

	readiness := observability.ReadinessChecks{
		GraphsLoaded: func() bool { return len(graphs.Versions()) > 0 },
		FlowStore:    store,
	}
	if hc, ok := reports.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Orchestrator: orch,
		Metrics:      metrics,
		Logger:       logger,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sweeper := consistency.NewSweeper(store, validator, metrics, logger, cfg.Consistency.SweepInterval)
	go sweeper.Run(bgCtx)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("graph_versions", graphs.Versions()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if reportsCloser != nil {
		reportsCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// flowStore is the combined persistence surface main wires: flow records,
// engagement pointers, sweeper listing, and readiness.
type flowStore interface {
	flow.Store
	flow.PointerStore
	flow.LiveLister
	observability.HealthChecker
}

// buildFlowStore creates the flow store based on config.
func buildFlowStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (flowStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory flow store")
		return flow.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("flow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("flow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("flow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("flow store: ping: %w", err)
		}

		logger.Info("using PostgreSQL flow store")
		return flow.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported flow store driver: %q", cfg.Driver)
	}
}

// buildReportStore creates the idempotency store for executor phase reports.
// Returns a nil store when deduplication is disabled.
func buildReportStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		logger.Info("report deduplication disabled")
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}

		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}

		logger.Info("using Redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
