package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnayoung/tda-collector/internal/collector"
	"github.com/johnayoung/tda-collector/internal/config"
	"github.com/johnayoung/tda-collector/internal/exchange"
	"github.com/johnayoung/tda-collector/internal/logger"
	"github.com/johnayoung/tda-collector/internal/metrics"
	"github.com/johnayoung/tda-collector/internal/resilience"
	"github.com/johnayoung/tda-collector/internal/storage"
)

// app holds the dependencies a run is built from. Tests replace the exchange registry,
// source options, clock and outputs.
type app struct {
	registry     *exchange.Registry
	exchangeOpts exchange.Options
	now          func() time.Time
	stdout       io.Writer
	stderr       io.Writer

	// logOutput, when set, receives log records instead of the configured destination.
	logOutput io.Writer
}

func newApp() *app {
	return &app{
		registry: exchange.DefaultRegistry(),
		now:      time.Now,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
}

// run executes one invocation. changed reports whether a flag was set explicitly.
func (a *app) run(ctx context.Context, opts *options, changed func(string) bool) error {
	mode := strings.ToLower(strings.TrimSpace(opts.mode))
	if mode != collector.ModeLive && mode != collector.ModeHistory {
		return usageError(fmt.Errorf("--mode must be %q or %q, got %q", collector.ModeLive, collector.ModeHistory, opts.mode))
	}

	var start, end time.Time
	if mode == collector.ModeHistory {
		var err error
		start, end, err = resolveRange(opts.start, opts.end, a.now())
		if err != nil {
			return usageError(err)
		}
	}

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return configError(err)
	}
	env, err := loadEnv(opts, changed)
	if err != nil {
		return configError(err)
	}

	configPath := env.ConfigPath
	if changed("config") {
		configPath = opts.configPath
	}
	cfg, err := loadConfig(configPath, opts, changed)
	if err != nil {
		return configError(err)
	}

	logOpts := []logger.Option{logger.WithErrorOutput(a.stderr)}
	if a.logOutput != nil {
		logOpts = append(logOpts, logger.WithOutput(a.logOutput))
	}
	loggerMgr, err := logger.NewLoggerManager(env.Logging, env.ServiceName, env.Environment, logOpts...)
	if err != nil {
		return configError(fmt.Errorf("failed to set up logging: %w", err))
	}
	defer loggerMgr.Close()
	log := loggerMgr.GetLogger()

	mc := metrics.NewMetricsCollector(metrics.Config{Addr: env.MetricsAddr}, log)
	if err := mc.Start(ctx); err != nil {
		return configError(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mc.Stop(stopCtx)
	}()

	warehouse, err := openWarehouse(ctx, env, loggerMgr.GetComponentLogger("storage"))
	if err != nil {
		return connectionError(err)
	}
	sink := storage.NewSink(warehouse, loggerMgr.GetComponentLogger("storage"))
	defer sink.Close()
	if checker, ok := warehouse.(metrics.HealthChecker); ok {
		mc.RegisterHealthChecker("storage", checker)
	}

	err = logger.TimedOperation(log, "ensure_table", func() error {
		return sink.Prepare(ctx, env.Dataset, env.Table)
	})
	if err != nil {
		return connectionError(fmt.Errorf("failed to ensure %s.%s: %w", env.Dataset, env.Table, err))
	}

	exchangeOpts := a.exchangeOpts
	if exchangeOpts.Logger == nil {
		exchangeOpts.Logger = loggerMgr.GetComponentLogger("exchange")
	}
	tasks, err := collector.BuildTasks(cfg, a.registry, exchangeOpts)
	if err != nil {
		return configError(err)
	}

	executor := resilience.NewExecutor(cfg.Settings.BackoffPolicy(),
		resilience.WithLogger(loggerMgr.GetComponentLogger("resilience")),
		resilience.WithRetryHook(mc.RetryHook(mode)))

	events := logger.NewEventLogger(loggerMgr.GetComponentLogger("collector"), logger.Labels{
		ServiceName: env.ServiceName,
		Environment: env.Environment,
		Mode:        mode,
	})
	events.Info(ctx, collector.EventConfigLoaded, "config loaded",
		slog.String("config_path", configPath),
		slog.Any("exchanges", cfg.ExchangeIDs()),
		slog.Int("tasks", len(tasks)),
		slog.String("storage", env.StorageBackend),
		slog.String("dataset", env.Dataset),
		slog.String("table", env.Table))

	dest := collector.Destination{Dataset: env.Dataset, Table: env.Table}
	if mode == collector.ModeLive {
		err = a.runLive(ctx, cfg, tasks, sink, executor, dest, events, mc, log)
	} else {
		err = a.runHistory(ctx, cfg, tasks, start, end, sink, executor, dest, events, mc)
	}

	if ctx.Err() != nil {
		log.Info("shutting down", "reason", ctx.Err())
		return interrupted(ctx.Err())
	}
	return err
}

func (a *app) runLive(ctx context.Context, cfg *config.Config, tasks []collector.Task, sink collector.Sink,
	executor *resilience.Executor, dest collector.Destination, events *logger.EventLogger,
	mc *metrics.MetricsCollector, log *slog.Logger) error {
	poller, err := collector.NewLivePoller(collector.LiveConfig{
		Tasks:       tasks,
		Sink:        sink,
		Executor:    executor,
		Destination: dest,
		Events:      events,
		Metrics:     mc,
	})
	if err != nil {
		return configError(err)
	}

	scheduler := collector.NewScheduler(log)
	if err := scheduler.AddJob(poller, cfg.Settings.UpdateInterval()); err != nil {
		return configError(err)
	}
	return scheduler.Run(ctx)
}

func (a *app) runHistory(ctx context.Context, cfg *config.Config, tasks []collector.Task, start, end time.Time,
	sink collector.Sink, executor *resilience.Executor, dest collector.Destination, events *logger.EventLogger,
	mc *metrics.MetricsCollector) error {
	backfiller, err := collector.NewBackfiller(collector.BackfillConfig{
		Sink:        sink,
		Executor:    executor,
		Destination: dest,
		Events:      events,
		Metrics:     mc,
		PageLimit:   cfg.Settings.HistoryPageLimit,
		WindowMs:    cfg.Settings.HistoryWindowMs,
		Workers:     cfg.Settings.HistoryWorkers,
	})
	if err != nil {
		return configError(err)
	}

	report, err := backfiller.Run(ctx, collector.HistoryTasks(tasks, start, end))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "history finished: %d tasks, %d failed, %d rows\n", report.Tasks, report.Failed, report.Rows)
	return nil
}

// loadEnv reads the environment and applies the flag overrides.
func loadEnv(opts *options, changed func(string) bool) (*config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	if changed("dataset") {
		env.Dataset = strings.TrimSpace(opts.dataset)
	}
	if changed("table") {
		env.Table = strings.TrimSpace(opts.table)
	}
	if changed("storage") {
		env.StorageBackend = strings.ToLower(strings.TrimSpace(opts.storage))
	}
	if changed("metrics-addr") {
		env.MetricsAddr = opts.metricsAddr
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// loadConfig reads the task document and applies the flag overrides.
func loadConfig(path string, opts *options, changed func(string) bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	s := &cfg.Settings
	if changed("backoff-base") {
		s.BackoffBase = opts.backoffBase
	}
	if changed("backoff-factor") {
		s.BackoffFactor = opts.backoffFactor
	}
	if changed("backoff-max") {
		s.BackoffMax = opts.backoffMax
	}
	if changed("backoff-attempts") {
		s.BackoffAttempts = opts.backoffAttempts
	}
	if changed("page-limit") {
		s.HistoryPageLimit = opts.pageLimit
	}
	if changed("workers") {
		s.HistoryWorkers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openWarehouse connects to the backend selected in env.
func openWarehouse(ctx context.Context, env *config.Env, log *slog.Logger) (storage.Warehouse, error) {
	switch env.StorageBackend {
	case config.StorageBigQuery:
		return storage.NewBigQueryWarehouse(ctx, env.GCPProject, log)
	case config.StorageDuckDB:
		if env.DuckDBPath != ":memory:" {
			if dir := filepath.Dir(env.DuckDBPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create DuckDB directory: %w", err)
				}
			}
		}
		return storage.NewDuckDBWarehouse(ctx, env.DuckDBPath, env.GCPProject, log)
	case config.StorageClickHouse:
		return storage.NewClickHouseWarehouse(ctx, env.ClickHouseDSN, log)
	case config.StorageMemory:
		log.Warn("using in-memory storage; rows are discarded on exit")
		return storage.NewMemoryWarehouse(env.GCPProject), nil
	default:
		return nil, errors.New("unknown storage backend " + env.StorageBackend)
	}
}
