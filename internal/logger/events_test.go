package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsAttrs(t *testing.T) {
	base := Labels{ServiceName: "tda-collector", Environment: "dev"}

	attrs := base.Attrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "label_service_name", attrs[0].Key)
	assert.Equal(t, "label_environment", attrs[1].Key)

	task := base.WithMode("live").ForTask("binance", "BTC/USDT", "1m")
	keys := make([]string, 0)
	for _, a := range task.Attrs() {
		keys = append(keys, a.Key)
	}
	assert.Equal(t, []string{
		"label_service_name", "label_environment", "label_mode",
		"label_exchange", "label_symbol", "label_timeframe",
	}, keys)

	// copies do not leak into the base set
	assert.Empty(t, base.Mode)
	assert.Empty(t, base.Exchange)
}

func TestEventLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	labels := Labels{ServiceName: "svc", Environment: "dev", Mode: "history"}
	events := NewEventLogger(logger, labels)
	ctx := context.Background()

	task := events.WithLabels(labels.ForTask("coinbase", "BTC-USD", "1h"))
	task.Info(ctx, "history_page_done", "inserted page",
		slog.Int("rows", 2), slog.Int64("cursor_ms", 120000))
	task.Error(ctx, "history_error", "history task failed", errors.New("exchange unavailable"))
	events.Info(ctx, "history_complete", "history mode finished")

	records := decodeLines(t, &buf)
	require.Len(t, records, 3)

	page := records[0]
	assert.Equal(t, "INFO", page["level"])
	assert.Equal(t, "inserted page", page["msg"])
	assert.Equal(t, "history_page_done", page["event"])
	assert.EqualValues(t, 2, page["rows"])
	assert.EqualValues(t, 120000, page["cursor_ms"])
	assert.Equal(t, "coinbase", page["label_exchange"])
	assert.Equal(t, "BTC-USD", page["label_symbol"])
	assert.Equal(t, "1h", page["label_timeframe"])
	assert.Equal(t, "history", page["label_mode"])

	failure := records[1]
	assert.Equal(t, "ERROR", failure["level"])
	assert.Equal(t, "history_error", failure["event"])
	assert.Equal(t, "exchange unavailable", failure["error"])

	done := records[2]
	assert.Equal(t, "history_complete", done["event"])
	assert.NotContains(t, done, "label_exchange")
	assert.Equal(t, "svc", done["label_service_name"])

	assert.Equal(t, labels, events.Labels())
}
