package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
	"github.com/johnayoung/tda-collector/internal/models"
	"github.com/johnayoung/tda-collector/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDest = Destination{Dataset: "crypto", Table: "market_data_ohlcv"}

func newTestBackfiller(t *testing.T, sink Sink, capture *eventCapture, metrics Recorder, pageLimit, workers int) *Backfiller {
	t.Helper()
	b, err := NewBackfiller(BackfillConfig{
		Sink:        sink,
		Executor:    fastExecutor(3),
		Destination: testDest,
		Events:      capture.events(ModeHistory),
		Metrics:     metrics,
		PageLimit:   pageLimit,
		Workers:     workers,
	})
	require.NoError(t, err)
	return b
}

func historyTask(src *seriesSource, symbol string, start, end int64) HistoryTask {
	return HistoryTask{Task: Task{Source: src, Symbol: symbol, Timeframe: "1m"}, StartMs: start, EndMs: end}
}

func TestNewBackfillerValidation(t *testing.T) {
	_, err := NewBackfiller(BackfillConfig{Destination: testDest})
	require.Error(t, err)

	_, err = NewBackfiller(BackfillConfig{Sink: &recordingSink{}, Destination: Destination{Dataset: "crypto"}})
	require.Error(t, err)

	b, err := NewBackfiller(BackfillConfig{Sink: &recordingSink{}, Destination: testDest})
	require.NoError(t, err)
	assert.Equal(t, 200, b.pageLimit)
	assert.Equal(t, int64(60_000), b.windowMs)
	assert.Equal(t, 1, b.workers)
}

func TestBackfillTwoCandleWindow(t *testing.T) {
	src := newSeriesSource("binance", 0, 10*minuteMs)
	sink := &recordingSink{}
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, nil, 200, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 0, 2*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 1, Rows: 2}, report)
	assert.Equal(t, []pageCall{{symbol: "BTC/USDT", since: 0, limit: 200}}, src.calls())
	assert.Equal(t, []int64{0, minuteMs}, rowTimestamps(sink.rows()))

	pages := capture.named(t, EventHistoryPageDone)
	require.Len(t, pages, 1)
	assert.Equal(t, "inserted page", pages[0]["msg"])
	assert.EqualValues(t, 2, pages[0]["rows"])
	assert.EqualValues(t, 2*minuteMs, pages[0]["cursor_ms"])
	assert.Equal(t, "binance", pages[0]["label_exchange"])
	assert.Equal(t, "BTC/USDT", pages[0]["label_symbol"])
	assert.Equal(t, "1m", pages[0]["label_timeframe"])
	assert.Equal(t, "history", pages[0]["label_mode"])

	done := capture.named(t, EventHistoryComplete)
	require.Len(t, done, 1)
	assert.Equal(t, "history mode finished", done[0]["msg"])
	assert.Equal(t, "tda-collector", done[0]["label_service_name"])
	assert.Equal(t, "test", done[0]["label_environment"])
	assert.NotContains(t, done[0], "label_exchange")
}

func TestBackfillPagesThroughWindow(t *testing.T) {
	src := newSeriesSource("binance", 0, 100*minuteMs)
	sink := &recordingSink{}
	metrics := newRecordingMetrics()
	b := newTestBackfiller(t, sink, &eventCapture{}, metrics, 2, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", minuteMs, 6*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Rows)
	assert.Equal(t, []int64{minuteMs, 2 * minuteMs, 3 * minuteMs, 4 * minuteMs, 5 * minuteMs}, rowTimestamps(sink.rows()))
	assert.Equal(t, 3, sink.batchCount())

	calls := src.calls()
	require.Len(t, calls, 3)
	for i, since := range []int64{minuteMs, 3 * minuteMs, 5 * minuteMs} {
		assert.Equal(t, since, calls[i].since)
		assert.Equal(t, 2, calls[i].limit)
	}

	assert.Equal(t, float64(3), metrics.counters["history_pages_total"])
	assert.Equal(t, float64(5), metrics.counters["rows_inserted_total"])
	assert.Equal(t, 1, metrics.durations["history_task_duration_ms"])
}

func TestBackfillStopsOnEmptyPage(t *testing.T) {
	src := newSeriesSource("binance", 0, 3*minuteMs)
	sink := &recordingSink{}
	b := newTestBackfiller(t, sink, &eventCapture{}, nil, 2, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 0, 60*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Rows)
	assert.Len(t, src.calls(), 3)
}

func TestBackfillDropsCandlesOutsideWindow(t *testing.T) {
	src := newSeriesSource("binance", 0, 0)
	src.pageHook = func(call int, since int64, limit int) ([]models.Candle, error) {
		return []models.Candle{
			src.candle("BTC/USDT", "1m", since-minuteMs),
			src.candle("BTC/USDT", "1m", since),
			src.candle("BTC/USDT", "1m", since+minuteMs),
			src.candle("BTC/USDT", "1m", since+2*minuteMs),
		}, nil
	}
	sink := &recordingSink{}
	b := newTestBackfiller(t, sink, &eventCapture{}, nil, 10, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 5*minuteMs, 7*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, []int64{5 * minuteMs, 6 * minuteMs}, rowTimestamps(sink.rows()))
	assert.Len(t, src.calls(), 1)
}

func TestBackfillPageBeyondEndFinishes(t *testing.T) {
	src := newSeriesSource("binance", 50*minuteMs, 60*minuteMs)
	sink := &recordingSink{}
	b := newTestBackfiller(t, sink, &eventCapture{}, nil, 10, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 0, 10*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 1}, report)
	assert.Zero(t, sink.batchCount())
	assert.Len(t, src.calls(), 1)
}

func TestBackfillSkipsStalePageStraddlingWindow(t *testing.T) {
	src := newSeriesSource("binance", 0, 0)
	src.pageHook = func(call int, since int64, limit int) ([]models.Candle, error) {
		return []models.Candle{
			src.candle("BTC/USDT", "1m", since-minuteMs),
			src.candle("BTC/USDT", "1m", since+10*minuteMs),
		}, nil
	}
	sink := &recordingSink{}
	b := newTestBackfiller(t, sink, &eventCapture{}, nil, 10, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 0, 5*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Failed)
	assert.Zero(t, sink.batchCount())
	assert.Len(t, src.calls(), 1)
}

func TestBackfillCursorMustAdvance(t *testing.T) {
	stale := newSeriesSource("binance", 0, 0)
	stale.pageHook = func(call int, since int64, limit int) ([]models.Candle, error) {
		return []models.Candle{stale.candle("BTC/USDT", "1m", 0), stale.candle("BTC/USDT", "1m", minuteMs)}, nil
	}
	healthy := newSeriesSource("coinbase", 0, 10*minuteMs)

	sink := &recordingSink{}
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, nil, 10, 1)

	report, err := b.Run(context.Background(), []HistoryTask{
		historyTask(stale, "BTC/USDT", 5*minuteMs, 10*minuteMs),
		historyTask(healthy, "BTC-USD", 0, 2*minuteMs),
	})
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 2, Failed: 1, Rows: 2}, report)
	assert.Len(t, stale.calls(), 1)

	failures := capture.named(t, EventHistoryError)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0]["error"], "cursor did not advance")
	assert.Equal(t, "ERROR", failures[0]["level"])
	assert.Equal(t, "binance", failures[0]["label_exchange"])
}

func TestBackfillIsolatesTaskFailures(t *testing.T) {
	broken := newSeriesSource("binance", 0, 0)
	broken.pageHook = func(int, int64, int) ([]models.Candle, error) {
		return nil, collerrors.NewExchangeError("fetch_page", errors.New("invalid symbol"))
	}
	healthy := newSeriesSource("coinbase", 0, 10*minuteMs)

	sink := &recordingSink{}
	capture := &eventCapture{}
	metrics := newRecordingMetrics()
	b := newTestBackfiller(t, sink, capture, metrics, 10, 1)

	report, err := b.Run(context.Background(), []HistoryTask{
		historyTask(broken, "DOGE/USDT", 0, 5*minuteMs),
		historyTask(healthy, "BTC-USD", 0, 3*minuteMs),
	})
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 2, Failed: 1, Rows: 3}, report)
	assert.Len(t, broken.calls(), 1, "fatal errors are not retried")
	assert.Equal(t, 1, metrics.errors["history_task_errors_total"])

	failures := capture.named(t, EventHistoryError)
	require.Len(t, failures, 1)
	assert.Equal(t, "history task failed", failures[0]["msg"])
	assert.Contains(t, failures[0]["error"], "invalid symbol")
	assert.Equal(t, "DOGE/USDT", failures[0]["label_symbol"])

	done := capture.named(t, EventHistoryComplete)
	require.Len(t, done, 1)
	assert.EqualValues(t, 2, done[0]["tasks"])
	assert.EqualValues(t, 1, done[0]["failed"])
	assert.EqualValues(t, 3, done[0]["rows"])
}

func TestBackfillRetriesTransientFailures(t *testing.T) {
	src := newSeriesSource("binance", 0, 10*minuteMs)
	src.pageHook = func(call int, since int64, limit int) ([]models.Candle, error) {
		if call <= 2 {
			return nil, collerrors.NewNetworkError("fetch_page", errors.New("connection reset"))
		}
		return []models.Candle{src.candle("BTC/USDT", "1m", since)}, nil
	}
	sink := &recordingSink{errs: []error{collerrors.NewRateLimitError("insert", errors.New("quota"))}}
	b := newTestBackfiller(t, sink, &eventCapture{}, nil, 10, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 0, minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 1, Rows: 1}, report)
	assert.Len(t, src.calls(), 3)
	assert.Equal(t, 1, sink.batchCount())
}

func TestBackfillInsertFailureAbandonsTask(t *testing.T) {
	src := newSeriesSource("binance", 0, 10*minuteMs)
	sink := &recordingSink{errs: []error{collerrors.New(collerrors.ErrorTypeStorage, "insert", errors.New("schema mismatch"))}}
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, nil, 2, 1)

	report, err := b.Run(context.Background(), []HistoryTask{historyTask(src, "BTC/USDT", 0, 10*minuteMs)})
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 1, Failed: 1}, report)
	assert.Len(t, src.calls(), 1)

	failures := capture.named(t, EventHistoryError)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0]["error"], "schema mismatch")
}

func TestBackfillCancelled(t *testing.T) {
	src := newSeriesSource("binance", 0, 10*minuteMs)
	sink := &recordingSink{}
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, nil, 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Run(ctx, []HistoryTask{historyTask(src, "BTC/USDT", 0, 10*minuteMs)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, capture.named(t, EventHistoryComplete))
	assert.Empty(t, capture.named(t, EventHistoryError))
}

func TestBackfillCancelledMidTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newSeriesSource("binance", 0, 100*minuteMs)
	src.pageHook = func(call int, since int64, limit int) ([]models.Candle, error) {
		if call == 2 {
			cancel()
			return nil, ctx.Err()
		}
		return []models.Candle{src.candle("BTC/USDT", "1m", since)}, nil
	}
	sink := &recordingSink{}
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, nil, 1, 1)

	report, err := b.Run(ctx, []HistoryTask{historyTask(src, "BTC/USDT", 0, 10*minuteMs)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Rows)
	assert.Empty(t, capture.named(t, EventHistoryError))
	assert.Empty(t, capture.named(t, EventHistoryComplete))
}

func TestBackfillConcurrentWorkers(t *testing.T) {
	sources := []*seriesSource{
		newSeriesSource("binance", 0, 20*minuteMs),
		newSeriesSource("coinbase", 0, 20*minuteMs),
		newSeriesSource("kraken", 0, 20*minuteMs),
	}
	sink := &recordingSink{}
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, newRecordingMetrics(), 3, 3)

	tasks := make([]HistoryTask, len(sources))
	for i, src := range sources {
		tasks[i] = historyTask(src, "BTC/USDT", 0, 10*minuteMs)
	}

	report, err := b.Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 3, Rows: 30}, report)
	assert.Len(t, sink.rows(), 30)
	for _, src := range sources {
		assert.Len(t, src.calls(), 4)
	}
	assert.Len(t, capture.named(t, EventHistoryComplete), 1)
}

type slowLookupWarehouse struct {
	*storage.MemoryWarehouse
}

func (w slowLookupWarehouse) GetTable(ctx context.Context, ref storage.TableRef) (*storage.TableMetadata, error) {
	md, err := w.MemoryWarehouse.GetTable(ctx, ref)
	time.Sleep(20 * time.Millisecond)
	return md, err
}

func TestBackfillWorkersShareFreshTable(t *testing.T) {
	wh := slowLookupWarehouse{storage.NewMemoryWarehouse("proj")}
	sink := storage.NewSink(wh, slog.New(slog.NewTextHandler(io.Discard, nil)))
	capture := &eventCapture{}
	b := newTestBackfiller(t, sink, capture, nil, 200, 4)

	tasks := make([]HistoryTask, 4)
	for i, id := range []string{"binance", "coinbase", "kraken", "bitstamp"} {
		tasks[i] = historyTask(newSeriesSource(id, 0, 10*minuteMs), "BTC/USDT", 0, 5*minuteMs)
	}

	report, err := b.Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, BackfillReport{Tasks: 4, Rows: 20}, report)
	assert.Empty(t, capture.named(t, EventHistoryError))
	assert.Equal(t, 1, wh.Calls("create"))
	assert.Len(t, wh.Rows(storage.TableRef{Project: "proj", Dataset: testDest.Dataset, Table: testDest.Table}), 20)
}

func TestBoundPage(t *testing.T) {
	src := newSeriesSource("binance", 0, 0)
	page := []models.Candle{
		src.candle("X", "1m", 0),
		src.candle("X", "1m", minuteMs),
		src.candle("X", "1m", 2*minuteMs),
		src.candle("X", "1m", 3*minuteMs),
	}

	tests := []struct {
		name   string
		cursor int64
		end    int64
		want   int
	}{
		{name: "whole page", cursor: 0, end: 4 * minuteMs, want: 4},
		{name: "cursor inclusive", cursor: minuteMs, end: 4 * minuteMs, want: 3},
		{name: "end exclusive", cursor: 0, end: 3 * minuteMs, want: 3},
		{name: "nothing inside", cursor: 4 * minuteMs, end: 5 * minuteMs, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, boundPage(page, tt.cursor, tt.end), tt.want)
		})
	}
}
