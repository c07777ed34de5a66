package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test fixtures based on the Coinbase Advanced Trade candles payload
const (
	btcUSDPair    = "BTC/USD"
	testTimestamp = int64(1640995200) // 2022-01-01 00:00:00 UTC
)

type candlePayload struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func writeCandles(t *testing.T, w http.ResponseWriter, candles ...candlePayload) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"candles": candles}))
}

func hourCandle(start int64, open, close string) candlePayload {
	return candlePayload{
		Start:  strconv.FormatInt(start, 10),
		Low:    "0.50",
		High:   "47800.00",
		Open:   open,
		Close:  close,
		Volume: "1.23456789",
	}
}

func createCoinbaseServer(t *testing.T, now time.Time, handler http.HandlerFunc) *CoinbaseSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts := testOptions(server.URL)
	opts.Now = func() time.Time { return now }
	src, err := NewCoinbaseSource(opts)
	require.NoError(t, err)
	return src
}

func TestCoinbaseSource_FetchRecent(t *testing.T) {
	now := time.Unix(testTimestamp+2*3600+120, 0).UTC()

	src := createCoinbaseServer(t, now, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/brokerage/market/products/BTC-USD/candles", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "ONE_HOUR", q.Get("granularity"))
		assert.Equal(t, strconv.FormatInt(now.Unix(), 10), q.Get("end"))
		assert.Equal(t, strconv.FormatInt(now.Add(-3*time.Hour).Unix(), 10), q.Get("start"))

		// newest first, as Coinbase answers
		writeCandles(t, w,
			hourCandle(testTimestamp+7200, "47600.00", "47700.00"),
			hourCandle(testTimestamp+3600, "47200.00", "47600.00"),
			hourCandle(testTimestamp, "47000.00", "47200.00"),
		)
	})

	prev, curr, err := src.FetchRecent(context.Background(), btcUSDPair, "1h")
	require.NoError(t, err)

	assert.Equal(t, (testTimestamp+3600)*1000, prev.TimestampMillis())
	assert.Equal(t, (testTimestamp+7200)*1000, curr.TimestampMillis())
	assert.True(t, prev.Timestamp.Before(curr.Timestamp))
	assert.Equal(t, 47600.0, prev.Close)
	assert.Equal(t, 47700.0, curr.Close)
	assert.Equal(t, "coinbase", curr.Exchange)
	assert.Equal(t, btcUSDPair, curr.Symbol)
	assert.Equal(t, "1h", curr.Timeframe)
	assert.InDelta(t, 1.23456789, curr.Volume, 1e-12)
}

func TestCoinbaseSource_FetchRecentInsufficient(t *testing.T) {
	src := createCoinbaseServer(t, time.Unix(testTimestamp, 0), func(w http.ResponseWriter, r *http.Request) {
		writeCandles(t, w, hourCandle(testTimestamp, "1", "1"))
	})

	_, _, err := src.FetchRecent(context.Background(), btcUSDPair, "1h")
	require.Error(t, err)
	assert.ErrorIs(t, err, collerrors.ErrInsufficientData)
	assert.Equal(t, collerrors.ErrorTypeInsufficientData, collerrors.Classify(err))
}

func TestCoinbaseSource_FetchPage(t *testing.T) {
	sinceMs := testTimestamp*1000 + 500
	now := time.Unix(testTimestamp+30*24*3600, 0).UTC()

	src := createCoinbaseServer(t, now, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, fmt.Sprint(testTimestamp), q.Get("start"))
		assert.Equal(t, fmt.Sprint(testTimestamp+3*3600), q.Get("end"))
		assert.Equal(t, "3", q.Get("limit"))

		writeCandles(t, w,
			hourCandle(testTimestamp+7200, "3", "3"),
			hourCandle(testTimestamp+3600, "2", "2"),
			hourCandle(testTimestamp, "1", "1"),
		)
	})

	page, err := src.FetchPage(context.Background(), btcUSDPair, "1h", sinceMs, 3)
	require.NoError(t, err)

	// the candle opening before the requested millisecond is dropped
	require.Len(t, page, 2)
	assert.Equal(t, (testTimestamp+3600)*1000, page[0].TimestampMillis())
	assert.Equal(t, (testTimestamp+7200)*1000, page[1].TimestampMillis())
}

func TestCoinbaseSource_FetchPageWindowCappedAtNow(t *testing.T) {
	now := time.Unix(testTimestamp+90*60, 0).UTC()

	src := createCoinbaseServer(t, now, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fmt.Sprint(now.Unix()), r.URL.Query().Get("end"))
		writeCandles(t, w, hourCandle(testTimestamp, "1", "1"))
	})

	page, err := src.FetchPage(context.Background(), btcUSDPair, "1h", testTimestamp*1000, 200)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestCoinbaseSource_FetchPageInFuture(t *testing.T) {
	called := false
	now := time.Unix(testTimestamp, 0).UTC()

	src := createCoinbaseServer(t, now, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	page, err := src.FetchPage(context.Background(), btcUSDPair, "1h", (testTimestamp+3600)*1000, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.False(t, called)
}

func TestCoinbaseSource_ErrorHandling(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		expectedType collerrors.ErrorType
		retryable    bool
	}{
		{name: "not found", status: http.StatusNotFound, expectedType: collerrors.ErrorTypeExchange},
		{name: "unauthorized", status: http.StatusUnauthorized, expectedType: collerrors.ErrorTypeExchange},
		{name: "rate limit", status: http.StatusTooManyRequests, expectedType: collerrors.ErrorTypeRateLimit, retryable: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, expectedType: collerrors.ErrorTypeNetwork, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := createCoinbaseServer(t, time.Unix(testTimestamp+3600*10, 0), func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"failure"}`)
			})

			_, _, err := src.FetchRecent(context.Background(), btcUSDPair, "1h")
			require.Error(t, err)
			assert.Equal(t, tt.expectedType, collerrors.Classify(err))
			assert.Equal(t, tt.retryable, collerrors.IsRetryable(err))
		})
	}
}

func TestCoinbaseSource_InvalidJSON(t *testing.T) {
	src := createCoinbaseServer(t, time.Unix(testTimestamp+3600*10, 0), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candles": [`)
	})

	_, err := src.FetchPage(context.Background(), btcUSDPair, "1h", testTimestamp*1000, 5)
	require.Error(t, err)
	assert.Equal(t, collerrors.ErrorTypeExchange, collerrors.Classify(err))
}

func TestConvertGranularity(t *testing.T) {
	tests := []struct {
		timeframe string
		expected  string
		wantErr   bool
	}{
		{"1m", "ONE_MINUTE", false},
		{"5m", "FIVE_MINUTE", false},
		{"15m", "FIFTEEN_MINUTE", false},
		{"30m", "THIRTY_MINUTE", false},
		{"1h", "ONE_HOUR", false},
		{"2h", "TWO_HOUR", false},
		{"6h", "SIX_HOUR", false},
		{"1d", "ONE_DAY", false},
		{"4h", "", true},
		{"1w", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			got, err := convertGranularity(tt.timeframe)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCoinbaseSource_TimeframeMillis(t *testing.T) {
	src, err := NewCoinbaseSource(Options{})
	require.NoError(t, err)

	ms, err := src.TimeframeMillis("6h")
	require.NoError(t, err)
	assert.Equal(t, int64(6*3_600_000), ms)

	_, err = src.TimeframeMillis("4h")
	assert.Error(t, err)
	assert.Equal(t, int64(60_000), StepMillis(src, "4h", 60_000))
}

func TestCoinbaseProductID(t *testing.T) {
	assert.Equal(t, "BTC-USD", coinbaseProductID("btc/usd"))
	assert.Equal(t, "ETH-USDC", coinbaseProductID("ETH-USDC"))
}
