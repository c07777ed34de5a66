package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
	"github.com/johnayoung/tda-collector/internal/models"
	"github.com/shopspring/decimal"
)

const (
	coinbaseID = "coinbase"

	// Coinbase Advanced Trade public market data API
	coinbaseBaseURL = "https://api.coinbase.com"
	candlesEndpoint = "/api/v3/brokerage/market/products/%s/candles"

	coinbaseRequestsPerSecond = 10
	coinbaseBurst             = 1

	// Coinbase refuses windows wider than this many candles.
	maxCandlesPerRequest = 350
)

// CoinbaseSource implements Source for the Coinbase Advanced Trade public candles API.
type CoinbaseSource struct {
	client *restClient
	opts   Options
}

var (
	_ Source             = (*CoinbaseSource)(nil)
	_ TimeframeConverter = (*CoinbaseSource)(nil)
)

// NewCoinbaseSource creates a Coinbase source.
func NewCoinbaseSource(opts Options) (*CoinbaseSource, error) {
	opts = opts.withDefaults(coinbaseBaseURL, coinbaseRequestsPerSecond, coinbaseBurst)
	return &CoinbaseSource{
		client: newRESTClient(coinbaseID, opts),
		opts:   opts,
	}, nil
}

// ID implements Source.
func (c *CoinbaseSource) ID() string {
	return coinbaseID
}

// TimeframeMillis implements TimeframeConverter. Only the granularities Coinbase serves
// are accepted.
func (c *CoinbaseSource) TimeframeMillis(timeframe string) (int64, error) {
	if _, err := convertGranularity(timeframe); err != nil {
		return 0, err
	}
	return TimeframeMillis(timeframe)
}

// FetchRecent implements Source.
func (c *CoinbaseSource) FetchRecent(ctx context.Context, symbol, timeframe string) (models.Candle, models.Candle, error) {
	step, err := ParseTimeframe(timeframe)
	if err != nil {
		return models.Candle{}, models.Candle{}, collerrors.NewExchangeError("fetch_recent", err)
	}

	end := c.opts.Now().UTC()
	start := end.Add(-3 * step)

	candles, err := c.candles(ctx, "fetch_recent", symbol, timeframe, start, end, 3)
	if err != nil {
		return models.Candle{}, models.Candle{}, err
	}
	return lastTwo("fetch_recent", candles)
}

// FetchPage implements Source.
func (c *CoinbaseSource) FetchPage(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]models.Candle, error) {
	step, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, collerrors.NewExchangeError("fetch_page", err)
	}
	if limit <= 0 || limit > maxCandlesPerRequest {
		limit = maxCandlesPerRequest
	}

	start := time.UnixMilli(sinceMs).UTC()
	end := start.Add(time.Duration(limit) * step)
	if now := c.opts.Now().UTC(); end.After(now) {
		end = now
	}
	if !end.After(start) {
		return []models.Candle{}, nil
	}

	candles, err := c.candles(ctx, "fetch_page", symbol, timeframe, start, end, limit)
	if err != nil {
		return nil, err
	}

	// The window is second-aligned; drop anything before the requested millisecond.
	page := candles[:0]
	for _, candle := range candles {
		if candle.TimestampMillis() >= sinceMs {
			page = append(page, candle)
		}
	}
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (c *CoinbaseSource) candles(ctx context.Context, op, symbol, timeframe string, start, end time.Time, limit int) ([]models.Candle, error) {
	granularity, err := convertGranularity(timeframe)
	if err != nil {
		return nil, collerrors.NewExchangeError(op, err)
	}

	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("granularity", granularity)
	params.Set("limit", strconv.Itoa(limit))

	path := fmt.Sprintf(candlesEndpoint, url.PathEscape(coinbaseProductID(symbol)))
	body, err := c.client.get(ctx, op, path, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s candles: %w", symbol, timeframe, err)
	}

	var apiResponse struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, collerrors.NewExchangeError(op, fmt.Errorf("failed to parse candles response: %w", err))
	}

	ingestedAt := c.opts.Now().UTC()
	candles := make([]models.Candle, 0, len(apiResponse.Candles))
	for _, raw := range apiResponse.Candles {
		candle, err := convertCoinbaseCandle(raw, symbol, timeframe, ingestedAt)
		if err != nil {
			return nil, conversionError(op, err)
		}
		candles = append(candles, candle)
	}

	// Coinbase answers newest first.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})

	return candles, nil
}

// coinbaseProductID converts a unified symbol ("BTC/USD") to a product id ("BTC-USD").
func coinbaseProductID(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
}

func convertGranularity(timeframe string) (string, error) {
	switch timeframe {
	case "1m":
		return "ONE_MINUTE", nil
	case "5m":
		return "FIVE_MINUTE", nil
	case "15m":
		return "FIFTEEN_MINUTE", nil
	case "30m":
		return "THIRTY_MINUTE", nil
	case "1h":
		return "ONE_HOUR", nil
	case "2h":
		return "TWO_HOUR", nil
	case "6h":
		return "SIX_HOUR", nil
	case "1d":
		return "ONE_DAY", nil
	default:
		return "", fmt.Errorf("unsupported interval: %s", timeframe)
	}
}

func convertCoinbaseCandle(raw coinbaseCandle, symbol, timeframe string, ingestedAt time.Time) (models.Candle, error) {
	start, err := raw.Start.Int64()
	if err != nil {
		return models.Candle{}, fmt.Errorf("malformed candle start %q: %w", raw.Start, err)
	}

	fields := []json.RawMessage{raw.Open, raw.High, raw.Low, raw.Close, raw.Volume}
	values := make([]decimal.Decimal, len(fields))
	for i, field := range fields {
		v, err := parseDecimalField(field)
		if err != nil {
			return models.Candle{}, fmt.Errorf("malformed candle value: %w", err)
		}
		values[i] = v
	}

	candle, err := models.ParseCandle(coinbaseID, symbol, timeframe, start*1000,
		values[0], values[1], values[2], values[3], values[4], ingestedAt)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid candle at %d: %w", start, err)
	}
	return candle, nil
}

// API response structures

type coinbaseCandle struct {
	Start  json.Number     `json:"start"`
	Low    json.RawMessage `json:"low"`
	High   json.RawMessage `json:"high"`
	Open   json.RawMessage `json:"open"`
	Close  json.RawMessage `json:"close"`
	Volume json.RawMessage `json:"volume"`
}
