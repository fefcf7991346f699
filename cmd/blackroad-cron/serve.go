package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/analytics"
	"github.com/BlackRoad-OS/blackroad-cron/internal/api"
	"github.com/BlackRoad-OS/blackroad-cron/internal/backoff"
	"github.com/BlackRoad-OS/blackroad-cron/internal/circuitbreaker"
	"github.com/BlackRoad-OS/blackroad-cron/internal/config"
	"github.com/BlackRoad-OS/blackroad-cron/internal/cron"
	"github.com/BlackRoad-OS/blackroad-cron/internal/dispatcher"
	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
	"github.com/BlackRoad-OS/blackroad-cron/internal/execlog"
	"github.com/BlackRoad-OS/blackroad-cron/internal/logging"
	"github.com/BlackRoad-OS/blackroad-cron/internal/metrics"
	"github.com/BlackRoad-OS/blackroad-cron/internal/persist"
	"github.com/BlackRoad-OS/blackroad-cron/internal/reconciler"
	"github.com/BlackRoad-OS/blackroad-cron/internal/registry"
	"github.com/BlackRoad-OS/blackroad-cron/internal/scheduler"
	"github.com/BlackRoad-OS/blackroad-cron/internal/seed"
	"github.com/BlackRoad-OS/blackroad-cron/internal/store"
	"github.com/BlackRoad-OS/blackroad-cron/internal/store/postgres"
	"github.com/BlackRoad-OS/blackroad-cron/internal/store/sqlite"
	"github.com/BlackRoad-OS/blackroad-cron/internal/transport/channel"
)

// dispatcherAdapter adapts *dispatcher.Dispatcher to scheduler.Dispatcher.
type dispatcherAdapter struct {
	d *dispatcher.Dispatcher
}

func (a dispatcherAdapter) Begin(jobID string, trigger domain.Trigger) (scheduler.Flight, error) {
	f, err := a.d.Begin(jobID, trigger)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// metricsSink is everything the components report to.
type metricsSink interface {
	scheduler.MetricsSink
	dispatcher.MetricsSink
	channel.MetricsSink
	persist.MetricsSink
	reconciler.MetricsSink
}

// app holds the wired service. Zero-valued optional parts are disabled.
type app struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	store  store.Store // nil for the memory driver
	bus    *channel.ChangeBus
	writer *persist.Writer

	registry   *registry.Registry
	log        *execlog.Log
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	handler    *api.Handler

	metrics         metricsSink
	metricsRegistry *prometheus.Registry // nil when metrics are disabled
	redis           *redis.Client
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat == "json")
	if err != nil {
		return &exitError{code: exitInvalidConfig, err: err}
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// openStore connects the configured driver. The memory driver returns nil.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	default:
		return nil, nil
	}
}

// newApp wires every component and restores persisted state. Nothing is
// started.
func newApp(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.MetricsEnabled {
		a.metricsRegistry = prometheus.NewRegistry()
		a.metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewPrometheusSink(a.metricsRegistry, logger)
	} else {
		a.metrics = metrics.NewNoopSink()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.StoreDriver)
	}
	a.store = st

	a.registry = registry.New(cron.NewParser()).
		WithLogger(logger).
		WithDefaultTimeout(cfg.DefaultJobTimeout)
	a.log = execlog.New(cfg.ExecutionLogCapacity)

	if a.store != nil {
		restoreCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout*4)
		res, err := persist.Restore(restoreCtx, a.store, a.registry, a.log)
		cancel()
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		logger.Infow("blackroad-cron: state restored", "driver", cfg.StoreDriver,
			"jobs", res.Jobs, "skipped", res.Skipped, "executions", res.Executions)

		// Emitters are attached after restore so restored state is not
		// written back.
		a.bus = channel.NewChangeBus(cfg.PersistBufferSize, channel.WithMetrics(a.metrics), channel.WithLogger(logger))
		a.registry.WithEmitter(a.bus)
		a.log.WithEmitter(a.bus)
		a.writer = persist.New(a.store).
			WithOpTimeout(cfg.DBOpTimeout).
			WithDrainTimeout(cfg.DispatcherDrainTimeout).
			WithMetrics(a.metrics).
			WithLogger(logger)
	}

	if cfg.SeedFile != "" {
		specs, err := seed.Load(cfg.SeedFile)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		n, err := seed.Apply(a.registry, specs, logger)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		if n > 0 {
			logger.Infow("blackroad-cron: seeded jobs", "file", cfg.SeedFile, "created", n)
		}
	}

	a.dispatcher = dispatcher.New(a.registry, a.log, dispatcher.NewHTTPSender(cfg.ResponseMaxBytes)).
		WithBackoff(backoff.NewExponential(cfg.BackoffBase, cfg.BackoffMax)).
		WithMetrics(a.metrics).
		WithLogger(logger)

	if cfg.CircuitBreakerThreshold > 0 {
		cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		a.dispatcher.WithBreaker(cb)
		if a.metricsRegistry != nil {
			a.metricsRegistry.MustRegister(metrics.NewOpenCircuitsGauge(cb.OpenCount))
		}
		logger.Infow("blackroad-cron: circuit breaker enabled",
			"threshold", cfg.CircuitBreakerThreshold, "cooldown", cfg.CircuitBreakerCooldown)
	}

	var redisSink *analytics.RedisSink
	if cfg.RedisAddr != "" {
		// Deadlines from the dispatch context bound every analytics call.
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, ContextTimeoutEnabled: true})
		redisSink = analytics.NewRedisSink(a.redis, analytics.Config{
			Window:    time.Minute,
			Retention: cfg.AnalyticsRetention,
		}).WithLogger(logger)
		a.dispatcher.WithAnalytics(redisSink)
		logger.Infow("blackroad-cron: analytics enabled", "redis", cfg.RedisAddr)
	} else {
		logger.Info("blackroad-cron: REDIS_ADDR not set; analytics disabled")
	}

	a.scheduler = scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval, PoolSize: cfg.WorkerPoolSize},
		a.registry,
		dispatcherAdapter{a.dispatcher},
	).WithMetrics(a.metrics).WithLogger(logger)

	if a.store != nil && cfg.ReconcileEnabled {
		a.reconciler = reconciler.New(
			reconciler.Config{
				Interval:       cfg.ReconcileInterval,
				KeepExecutions: cfg.ExecutionLogCapacity,
				OpTimeout:      cfg.DBOpTimeout * 6,
			},
			a.registry,
			a.store,
		).WithMetrics(a.metrics).WithLogger(logger)
	}

	a.handler = api.NewHandler(a.registry, a.log, a.dispatcher).
		WithVersion(version).
		WithRateLimit(cfg.ManualRunRate, cfg.ManualRunBurst).
		WithLogger(logger)
	if a.store != nil {
		a.handler.WithHealthChecker("store", a.store)
	}
	if redisSink != nil {
		a.handler.WithAnalytics(redisSink)
		a.handler.WithHealthChecker("redis", pingFunc(redisSink.Ping))
	}

	return a, nil
}

// pingFunc adapts a function to api.HealthChecker.
type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// run starts all components, blocks until ctx is done and then shuts down
// in order.
func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger

	var writerWg, schedulerWg, reconcilerWg sync.WaitGroup

	// The writer outlives ctx; it is cancelled last so it can flush.
	writerCtx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()
	if a.writer != nil {
		writerWg.Add(1)
		go func() {
			defer writerWg.Done()
			a.writer.Run(writerCtx, a.bus.Channel())
		}()
	}

	var metricsServer *http.Server
	if a.metricsRegistry != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infow("blackroad-cron: metrics server listening", "port", cfg.MetricsPort, "path", cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("blackroad-cron: metrics server error", "error", err)
			}
		}()
	} else {
		log.Info("blackroad-cron: METRICS_ENABLED not set; metrics disabled")
	}

	// Manual runs get their own context so shutdown can abort them after the
	// HTTP server stops accepting requests.
	manualCtx, cancelManual := context.WithCancel(context.Background())
	defer cancelManual()
	a.handler.WithRunContext(manualCtx)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Infow("blackroad-cron: http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		_ = a.scheduler.Run(schedulerCtx)
	}()

	var cancelReconciler context.CancelFunc = func() {}
	if a.reconciler != nil {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			a.reconciler.Run(reconcilerCtx)
		}()
	}

	log.Infow("blackroad-cron: started",
		"tick", cfg.TickInterval, "pool", cfg.WorkerPoolSize, "http", cfg.HTTPAddr,
		"store", cfg.StoreDriver, "jobs", a.registry.Len())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("blackroad-cron: shutdown requested")
	case err := <-httpErr:
		runErr = errors.Wrap(err, "http server")
		log.Errorw("blackroad-cron: http server failed, shutting down", "error", err)
	}

	// Phase 1: Stop scheduler ticks (no new dispatches)
	cancelScheduler()
	schedulerWg.Wait()
	log.Info("blackroad-cron: scheduler stopped")

	// Phase 2: Stop HTTP server, then abort manual runs still in flight
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Warnw("blackroad-cron: http server shutdown error", "error", err)
	}
	httpShutdownCancel()
	cancelManual()
	log.Info("blackroad-cron: http server stopped")

	// Phase 3: Drain scheduled dispatches
	if !a.scheduler.Drain(cfg.DispatcherDrainTimeout) {
		log.Warnw("blackroad-cron: drain timeout, in-flight dispatches cancelled", "timeout", cfg.DispatcherDrainTimeout)
	}
	log.Info("blackroad-cron: dispatches drained")

	// Phase 4: Stop reconciler
	cancelReconciler()
	reconcilerWg.Wait()

	// Phase 5: Flush pending changes to the store
	if a.bus != nil {
		a.bus.Close()
		cancelWriter()
		writerWg.Wait()
		log.Info("blackroad-cron: persistence writer stopped")
	}

	// Phase 6: Stop metrics server and release connections
	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Warnw("blackroad-cron: metrics server shutdown error", "error", err)
		}
		metricsShutdownCancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.closeStore()

	log.Info("blackroad-cron: stopped")
	return runErr
}

func (a *app) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warnw("blackroad-cron: store close error", "error", err)
	}
}
