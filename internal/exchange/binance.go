package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
	"github.com/johnayoung/tda-collector/internal/models"
	"github.com/shopspring/decimal"
)

const (
	binanceID      = "binance"
	binanceBaseURL = "https://api.binance.com"

	klinesEndpoint = "/api/v3/klines"

	binanceRequestsPerSecond = 10
	binanceBurst             = 5
	binanceMaxLimit          = 1000
)

var binanceIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// BinanceSource implements Source for the Binance spot klines API.
type BinanceSource struct {
	client *restClient
	opts   Options
}

var (
	_ Source             = (*BinanceSource)(nil)
	_ TimeframeConverter = (*BinanceSource)(nil)
)

// NewBinanceSource creates a Binance source.
func NewBinanceSource(opts Options) (*BinanceSource, error) {
	opts = opts.withDefaults(binanceBaseURL, binanceRequestsPerSecond, binanceBurst)
	return &BinanceSource{
		client: newRESTClient(binanceID, opts),
		opts:   opts,
	}, nil
}

// ID implements Source.
func (b *BinanceSource) ID() string {
	return binanceID
}

// TimeframeMillis implements TimeframeConverter.
func (b *BinanceSource) TimeframeMillis(timeframe string) (int64, error) {
	return TimeframeMillis(timeframe)
}

// FetchRecent implements Source.
func (b *BinanceSource) FetchRecent(ctx context.Context, symbol, timeframe string) (models.Candle, models.Candle, error) {
	candles, err := b.klines(ctx, "fetch_recent", symbol, timeframe, nil, 2)
	if err != nil {
		return models.Candle{}, models.Candle{}, err
	}
	return lastTwo("fetch_recent", candles)
}

// FetchPage implements Source.
func (b *BinanceSource) FetchPage(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]models.Candle, error) {
	return b.klines(ctx, "fetch_page", symbol, timeframe, &sinceMs, limit)
}

func (b *BinanceSource) klines(ctx context.Context, op, symbol, timeframe string, sinceMs *int64, limit int) ([]models.Candle, error) {
	if !binanceIntervals[timeframe] {
		return nil, collerrors.NewExchangeError(op, fmt.Errorf("unsupported interval: %s", timeframe))
	}
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	if sinceMs != nil {
		params.Set("startTime", strconv.FormatInt(*sinceMs, 10))
	}

	body, err := b.client.get(ctx, op, klinesEndpoint, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s klines: %w", symbol, timeframe, err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, collerrors.NewExchangeError(op, fmt.Errorf("failed to parse klines response: %w", err))
	}

	ingestedAt := b.opts.Now().UTC()
	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := convertBinanceKline(row, symbol, timeframe, ingestedAt)
		if err != nil {
			return nil, conversionError(op, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// binanceSymbol converts a unified symbol ("BTC/USDT") to the Binance form ("BTCUSDT").
func binanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// convertBinanceKline maps [openTime, open, high, low, close, volume, closeTime, ...].
func convertBinanceKline(row []json.RawMessage, symbol, timeframe string, ingestedAt time.Time) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("malformed kline: %d fields", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return models.Candle{}, fmt.Errorf("malformed kline open time: %w", err)
	}

	values := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		v, err := parseDecimalField(row[i+1])
		if err != nil {
			return models.Candle{}, fmt.Errorf("malformed kline field %d: %w", i+1, err)
		}
		values[i] = v
	}

	candle, err := models.ParseCandle(binanceID, symbol, timeframe, openTime,
		values[0], values[1], values[2], values[3], values[4], ingestedAt)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid kline at %d: %w", openTime, err)
	}
	return candle, nil
}

// parseDecimalField accepts a JSON string or number holding a decimal value.
func parseDecimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}
