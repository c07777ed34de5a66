package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/tda-collector/internal/logger"
	"github.com/johnayoung/tda-collector/internal/models"
	"github.com/johnayoung/tda-collector/internal/resilience"
	"github.com/johnayoung/tda-collector/internal/storage"
)

// LiveConfig wires a LivePoller.
type LiveConfig struct {
	Tasks       []Task
	Sink        Sink
	Executor    *resilience.Executor
	Destination Destination
	Events      *logger.EventLogger
	Metrics     Recorder
}

// LivePoller fetches the previous and current candle of every task and inserts both,
// one task at a time.
type LivePoller struct {
	tasks    []Task
	sink     Sink
	executor *resilience.Executor
	dest     Destination
	events   *logger.EventLogger
	metrics  Recorder
}

// CycleReport summarizes one pass over the task list.
type CycleReport struct {
	Tasks  int
	Failed int
}

// NewLivePoller validates cfg and builds a poller.
func NewLivePoller(cfg LiveConfig) (*LivePoller, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("live poller requires a sink")
	}
	if cfg.Destination.Dataset == "" || cfg.Destination.Table == "" {
		return nil, fmt.Errorf("live poller requires a dataset and table")
	}
	if cfg.Executor == nil {
		cfg.Executor = resilience.NewExecutor(resilience.DefaultPolicy())
	}
	if cfg.Events == nil {
		cfg.Events = logger.NewEventLogger(slog.Default(), logger.Labels{Mode: ModeLive})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}

	return &LivePoller{
		tasks:    cfg.Tasks,
		sink:     cfg.Sink,
		executor: cfg.Executor,
		dest:     cfg.Destination,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
	}, nil
}

// Name implements Job.
func (p *LivePoller) Name() string {
	return "live_poller"
}

// Execute implements Job. It runs one cycle and reports failed tasks as an error.
func (p *LivePoller) Execute(ctx context.Context) error {
	report, err := p.RunCycle(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d live tasks failed", report.Failed, report.Tasks)
	}
	return nil
}

// RunCycle polls every task once. A failed task is logged and skipped; only
// cancellation of ctx ends the cycle early.
func (p *LivePoller) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{}
	for _, task := range p.tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Tasks++
		labels := taskLabels(ModeLive, task)
		events := p.events.WithLabels(p.events.Labels().ForTask(task.Exchange(), task.Symbol, task.Timeframe))

		start := time.Now()
		err := p.pollTask(ctx, task)
		p.metrics.RecordDuration("live_task_duration_ms", time.Since(start), "Duration of one live task", labels)

		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			p.metrics.RecordError("live_task_errors_total", "Failed live tasks", labels)
			events.Error(ctx, EventLiveCycleError, "live cycle failed", err)
			continue
		}

		p.metrics.AddCounter("rows_inserted_total", 2, "Candle rows inserted", labels)
		events.Info(ctx, EventLiveCycleComplete, "live insert ok")
	}

	p.metrics.AddCounter("live_cycles_total", 1, "Completed live cycles", nil)
	return report, nil
}

type recentPair struct {
	previous models.Candle
	current  models.Candle
}

func (p *LivePoller) pollTask(ctx context.Context, task Task) error {
	pair, err := resilience.Run(ctx, p.executor, func(ctx context.Context) (recentPair, error) {
		prev, curr, err := task.Source.FetchRecent(ctx, task.Symbol, task.Timeframe)
		return recentPair{previous: prev, current: curr}, err
	})
	if err != nil {
		return fmt.Errorf("failed to fetch recent candles: %w", err)
	}

	rows := storage.CandleRows(pair.previous, pair.current)
	err = p.executor.Do(ctx, func(ctx context.Context) error {
		return p.sink.Insert(ctx, p.dest.Dataset, p.dest.Table, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to insert candles: %w", err)
	}
	return nil
}
