// Package collector drives candle collection: a live poller that inserts the two newest
// candles of every task each cycle, a history backfiller that pages through a fixed
// range once, and a scheduler that repeats jobs until cancelled.
//
// Every exchange and storage call goes through a resilience.Executor. A failing task
// never stops the others; failures surface as structured events only.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/tda-collector/internal/config"
	"github.com/johnayoung/tda-collector/internal/exchange"
	"github.com/johnayoung/tda-collector/internal/storage"
)

// Run modes.
const (
	ModeLive    = "live"
	ModeHistory = "history"
)

// Event names emitted per outcome.
const (
	EventConfigLoaded      = "config_loaded"
	EventLiveCycleComplete = "live_cycle_complete"
	EventLiveCycleError    = "live_cycle_error"
	EventHistoryPageDone   = "history_page_done"
	EventHistoryError      = "history_error"
	EventHistoryComplete   = "history_complete"
)

// Sink is the storage contract the collector writes through.
type Sink interface {
	Insert(ctx context.Context, dataset, table string, rows []storage.Row) error
}

// Destination names the table candles are written to.
type Destination struct {
	Dataset string
	Table   string
}

// Task is one (source, symbol, timeframe) triple.
type Task struct {
	Source    exchange.Source
	Symbol    string
	Timeframe string
}

// Exchange returns the source id.
func (t Task) Exchange() string {
	return t.Source.ID()
}

func (t Task) String() string {
	return fmt.Sprintf("%s %s %s", t.Exchange(), t.Symbol, t.Timeframe)
}

// HistoryTask extends a Task with the half-open range [StartMs, EndMs) to backfill.
type HistoryTask struct {
	Task
	StartMs int64
	EndMs   int64
}

// BuildTasks creates one source per configured exchange and one task per symbol and
// timeframe, in exchange id order.
func BuildTasks(cfg *config.Config, registry *exchange.Registry, opts exchange.Options) ([]Task, error) {
	var tasks []Task
	for _, id := range cfg.ExchangeIDs() {
		src, err := registry.New(id, opts)
		if err != nil {
			return nil, err
		}
		for _, pair := range cfg.Exchanges[id] {
			for _, tf := range pair.Timeframes {
				tasks = append(tasks, Task{Source: src, Symbol: pair.Symbol, Timeframe: tf})
			}
		}
	}
	return tasks, nil
}

// HistoryTasks bounds every task with the same [start, end) range.
func HistoryTasks(tasks []Task, start, end time.Time) []HistoryTask {
	out := make([]HistoryTask, len(tasks))
	for i, t := range tasks {
		out[i] = HistoryTask{Task: t, StartMs: start.UnixMilli(), EndMs: end.UnixMilli()}
	}
	return out
}

// Recorder receives collection metrics.
type Recorder interface {
	AddCounter(name string, delta float64, description string, labels map[string]string)
	RecordError(name, description string, labels map[string]string)
	RecordDuration(name string, duration time.Duration, description string, labels map[string]string)
}

type nopRecorder struct{}

func (nopRecorder) AddCounter(string, float64, string, map[string]string)           {}
func (nopRecorder) RecordError(string, string, map[string]string)                   {}
func (nopRecorder) RecordDuration(string, time.Duration, string, map[string]string) {}

func taskLabels(mode string, t Task) map[string]string {
	return map[string]string{
		"mode":      mode,
		"exchange":  t.Exchange(),
		"symbol":    t.Symbol,
		"timeframe": t.Timeframe,
	}
}
