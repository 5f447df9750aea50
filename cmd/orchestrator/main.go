// Command orchestrator runs the agent fleet orchestration kernel: worker
// pool, model router, workflow engine, planner, and the observability
// endpoints around them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/circuitbreaker"
	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/engine"
	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/health"
	"github.com/helmsman-ai/orchestrator/internal/metering"
	"github.com/helmsman-ai/orchestrator/internal/modelregistry"
	"github.com/helmsman-ai/orchestrator/internal/planner"
	"github.com/helmsman-ai/orchestrator/internal/ratelimit"
	"github.com/helmsman-ai/orchestrator/internal/router"
	"github.com/helmsman-ai/orchestrator/internal/session"
	"github.com/helmsman-ai/orchestrator/internal/storage"
	"github.com/helmsman-ai/orchestrator/internal/tracing"
	"github.com/helmsman-ai/orchestrator/internal/workerpool"
	"github.com/helmsman-ai/orchestrator/internal/workflow"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Agent fleet orchestration kernel",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (or ORCHESTRATOR_CONFIG)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// workerBackend rejects in-process model invocation. Inference happens inside
// worker subprocesses; the router's Execute path is exercised on their
// behalf, never directly by the kernel binary.
type workerBackend struct{}

func (workerBackend) Invoke(ctx context.Context, m modelregistry.Metadata, req router.Request) (*router.Response, error) {
	return nil, errs.Newf(errs.KindValidation, "router.backend", "no in-process backend for model %s", m.ID)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Observ.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Observ.Tracing, cfg.Observ.OTLPEndpoint, logger); err != nil {
		logger.Warn("Tracing init failed, continuing without it", zap.Error(err))
	}

	db, err := storage.Open(cfg.Audit.StoragePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	sink := audit.NewStore(db, logger)

	models, err := modelregistry.Load(cfg.Catalog.Path, logger)
	if err != nil {
		return err
	}
	meter := metering.NewMeter(db, models, logger)
	limiter := ratelimit.NewLimiter(models, db, sink, cfg.RateLimit.ThresholdPercent, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, caches and contexts run degraded", zap.Error(err))
	}
	cancelPing()

	respCache := router.NewResponseCache(redisClient, db,
		time.Duration(cfg.Router.ResponseCache.TTLSeconds)*time.Second, logger)
	breakers := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(), logger)
	modelRouter := router.New(models, limiter, meter, breakers, respCache, db, sink,
		workerBackend{}, router.Options{
			QualityThreshold: cfg.Router.QualityThreshold,
			EvaluationWindow: cfg.Router.EvaluationWindow,
		}, logger)

	pool := workerpool.New(cfg.Pool, workerpool.ExecSpawner{}, sink, logger)
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 60*time.Second)
	for _, rec := range pool.RecoverAll(recoverCtx) {
		if rec.Err != nil {
			logger.Warn("Worker recovery failed",
				zap.String("process_id", rec.ProcessID), zap.Error(rec.Err))
		}
	}
	cancelRecover()

	templates := workflow.NewRegistry(logger)
	if err := templates.LoadDir(cfg.Templates.Dir); err != nil {
		logger.Warn("Template load failed, starting with an empty registry", zap.Error(err))
	}
	if cfg.Templates.WatchForChanges {
		if err := templates.Watch(cfg.Templates.Dir); err != nil {
			logger.Warn("Template watch failed", zap.Error(err))
		}
	}
	defer templates.Close()

	workflows := workflow.NewEngine(templates, cfg.Templates, logger)
	sessions := session.NewManager(redisClient, cfg.Sessions, logger)
	plans := planner.New(cfg.Engine, logger)
	approvals := planner.NewApprovals(cfg.Engine, sink, logger)
	executor := engine.New(cfg.Engine, cfg.Budget.DailyBudgetUSD, pool, meter, approvals, sink, logger)

	k := &kernel{
		router:    modelRouter,
		pool:      pool,
		workflows: workflows,
		sessions:  sessions,
		planner:   plans,
		approvals: approvals,
		engine:    executor,
	}

	checks := health.NewManager(logger)
	for _, c := range []health.Checker{
		&health.StoreChecker{DB: db},
		&health.RedisChecker{Client: redisClient},
		&health.PoolChecker{Pool: pool, MaxProcesses: cfg.Pool.MaxConcurrentProcesses},
	} {
		if err := checks.Register(c); err != nil {
			return err
		}
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observ.MetricsPort),
		Handler: promhttp.Handler(),
	}
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observ.HealthPort),
		Handler: health.Handler(checks),
	}
	go serveHTTP(metricsSrv, "metrics", logger)
	go serveHTTP(healthSrv, "health", logger)

	logger.Info("Orchestration kernel ready",
		zap.Int("templates", templates.Len()),
		zap.Int("models", len(models.List())),
		zap.Int("metrics_port", cfg.Observ.MetricsPort),
		zap.Int("health_port", cfg.Observ.HealthPort))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	k.close(shutdownCtx, logger)
	return nil
}

// kernel groups the wired components so shutdown runs in one place.
type kernel struct {
	router    *router.Router
	pool      *workerpool.Pool
	workflows *workflow.Engine
	sessions  *session.Manager
	planner   *planner.Planner
	approvals *planner.Approvals
	engine    *engine.Engine
}

// close stops the pool last-writer first: worker state is saved before the
// processes go away.
func (k *kernel) close(ctx context.Context, logger *zap.Logger) {
	if err := k.pool.Shutdown(ctx); err != nil {
		logger.Warn("Pool shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		logger.Warn("Trace flush failed", zap.Error(err))
	}
}

func serveHTTP(srv *http.Server, name string, logger *zap.Logger) {
	logger.Info("HTTP listener up", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP listener failed", zap.String("server", name), zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
