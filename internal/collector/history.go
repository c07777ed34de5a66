package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/tda-collector/internal/config"
	"github.com/johnayoung/tda-collector/internal/exchange"
	"github.com/johnayoung/tda-collector/internal/logger"
	"github.com/johnayoung/tda-collector/internal/models"
	"github.com/johnayoung/tda-collector/internal/resilience"
	"github.com/johnayoung/tda-collector/internal/storage"
)

// BackfillConfig wires a Backfiller.
type BackfillConfig struct {
	Sink        Sink
	Executor    *resilience.Executor
	Destination Destination
	Events      *logger.EventLogger
	Metrics     Recorder

	// PageLimit is the number of candles requested per page.
	PageLimit int

	// WindowMs is the cursor step used when a source cannot convert a timeframe.
	WindowMs int64

	// Workers is the number of tasks backfilled concurrently. Defaults to one.
	Workers int
}

// Backfiller pages through the history of each task with a cursor.
type Backfiller struct {
	sink      Sink
	executor  *resilience.Executor
	dest      Destination
	events    *logger.EventLogger
	metrics   Recorder
	pageLimit int
	windowMs  int64
	workers   int
}

// BackfillReport summarizes a history run.
type BackfillReport struct {
	Tasks  int
	Failed int
	Rows   int
}

// NewBackfiller validates cfg and builds a backfiller.
func NewBackfiller(cfg BackfillConfig) (*Backfiller, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("backfiller requires a sink")
	}
	if cfg.Destination.Dataset == "" || cfg.Destination.Table == "" {
		return nil, fmt.Errorf("backfiller requires a dataset and table")
	}
	if cfg.Executor == nil {
		cfg.Executor = resilience.NewExecutor(resilience.DefaultPolicy())
	}
	if cfg.Events == nil {
		cfg.Events = logger.NewEventLogger(slog.Default(), logger.Labels{Mode: ModeHistory})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = config.DefaultHistoryPageLimit
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = config.DefaultHistoryWindowMs
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	return &Backfiller{
		sink:      cfg.Sink,
		executor:  cfg.Executor,
		dest:      cfg.Destination,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		pageLimit: cfg.PageLimit,
		windowMs:  cfg.WindowMs,
		workers:   cfg.Workers,
	}, nil
}

// Run backfills every task. A failing task is logged and abandoned while the others
// continue. The only error returned is the cancellation of ctx.
func (b *Backfiller) Run(ctx context.Context, tasks []HistoryTask) (BackfillReport, error) {
	var (
		mu     sync.Mutex
		report BackfillReport
	)

	pool := NewWorkerPool(b.workers, b.events.Logger())
	for _, task := range tasks {
		submitted := pool.Submit(ctx, func() {
			rows, failed := b.runTask(ctx, task)

			mu.Lock()
			defer mu.Unlock()
			report.Tasks++
			report.Rows += rows
			if failed {
				report.Failed++
			}
		})
		if !submitted {
			break
		}
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	b.events.Info(ctx, EventHistoryComplete, "history mode finished",
		slog.Int("tasks", report.Tasks),
		slog.Int("failed", report.Failed),
		slog.Int("rows", report.Rows))
	return report, nil
}

// runTask backfills one task and reports the rows inserted and whether it failed.
// Failures caused by cancellation are not logged.
func (b *Backfiller) runTask(ctx context.Context, task HistoryTask) (int, bool) {
	labels := taskLabels(ModeHistory, task.Task)
	events := b.events.WithLabels(b.events.Labels().ForTask(task.Exchange(), task.Symbol, task.Timeframe))

	start := time.Now()
	rows, err := b.backfillTask(ctx, task, events)
	b.metrics.RecordDuration("history_task_duration_ms", time.Since(start), "Duration of one history task", labels)

	if err == nil {
		return rows, false
	}
	if ctx.Err() != nil {
		return rows, true
	}
	b.metrics.RecordError("history_task_errors_total", "Abandoned history tasks", labels)
	events.Error(ctx, EventHistoryError, "history task failed", err)
	return rows, true
}

func (b *Backfiller) backfillTask(ctx context.Context, task HistoryTask, events *logger.EventLogger) (int, error) {
	step := exchange.StepMillis(task.Source, task.Timeframe, b.windowMs)
	labels := taskLabels(ModeHistory, task.Task)

	inserted := 0
	cursor := task.StartMs
	for cursor < task.EndMs {
		since := cursor
		page, err := resilience.Run(ctx, b.executor, func(ctx context.Context) ([]models.Candle, error) {
			return task.Source.FetchPage(ctx, task.Symbol, task.Timeframe, since, b.pageLimit)
		})
		if err != nil {
			return inserted, fmt.Errorf("failed to fetch page at %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}

		var next int64
		bounded := boundPage(page, cursor, task.EndMs)
		if len(bounded) > 0 {
			rows := storage.CandleRows(bounded...)
			err := b.executor.Do(ctx, func(ctx context.Context) error {
				return b.sink.Insert(ctx, b.dest.Dataset, b.dest.Table, rows)
			})
			if err != nil {
				return inserted, fmt.Errorf("failed to insert page at %d: %w", cursor, err)
			}

			inserted += len(bounded)
			next = bounded[len(bounded)-1].TimestampMillis() + step
			b.metrics.AddCounter("history_pages_total", 1, "Inserted history pages", labels)
			b.metrics.AddCounter("rows_inserted_total", float64(len(bounded)), "Candle rows inserted", labels)
			events.Info(ctx, EventHistoryPageDone, "inserted page",
				slog.Int("rows", len(bounded)),
				slog.Int64("cursor_ms", next))
		} else {
			if page[0].TimestampMillis() >= task.EndMs {
				break
			}
			next = page[len(page)-1].TimestampMillis() + step
		}

		if next <= cursor {
			return inserted, fmt.Errorf("cursor did not advance past %d (next %d)", cursor, next)
		}
		cursor = next
	}
	return inserted, nil
}

// boundPage keeps the candles with cursor <= timestamp < end, preserving order.
func boundPage(page []models.Candle, cursor, end int64) []models.Candle {
	bounded := make([]models.Candle, 0, len(page))
	for _, c := range page {
		ts := c.TimestampMillis()
		if ts >= cursor && ts < end {
			bounded = append(bounded, c)
		}
	}
	return bounded
}
