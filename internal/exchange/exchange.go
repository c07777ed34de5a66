// Package exchange defines the market data source abstraction consumed by the collector
// and the REST adapters implementing it.
//
// A Source exposes exactly two required operations, fetching the two most recent candles
// and fetching one page of historical candles. Capabilities that only some exchanges
// offer are modelled as separate small interfaces that callers query with a type
// assertion, never by probing for methods at runtime.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
	"github.com/johnayoung/tda-collector/internal/models"
)

// Source retrieves OHLCV candles from one exchange.
type Source interface {
	// ID returns the exchange identifier stamped on every candle (e.g. "binance").
	ID() string

	// FetchRecent returns the two most recent candles for symbol/timeframe: the last
	// closed one and the one still forming.
	//
	// Implementations must return an error wrapping errors.ErrInsufficientData when fewer
	// than two candles are available. Both candles carry the exchange id, symbol and
	// timeframe of the call and previous.Timestamp < current.Timestamp.
	FetchRecent(ctx context.Context, symbol, timeframe string) (previous, current models.Candle, err error)

	// FetchPage returns up to limit candles starting at sinceMs (epoch milliseconds),
	// in ascending timestamp order. An empty slice means no more data is available.
	//
	// Implementations should:
	// - Respect the exchange rate limit before every request
	// - Classify transport failures and 5xx answers as network errors
	// - Classify 429 answers as rate-limit errors
	// - Treat every other rejection as fatal
	FetchPage(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]models.Candle, error)
}

// TimeframeConverter is an optional Source capability converting a timeframe string to
// its duration in milliseconds.
type TimeframeConverter interface {
	TimeframeMillis(timeframe string) (int64, error)
}

// StepMillis returns the duration of one timeframe unit for src when it supports the
// TimeframeConverter capability and the conversion yields a positive value, otherwise
// fallback.
func StepMillis(src Source, timeframe string, fallback int64) int64 {
	conv, ok := src.(TimeframeConverter)
	if !ok {
		return fallback
	}
	ms, err := conv.TimeframeMillis(timeframe)
	if err != nil || ms <= 0 {
		return fallback
	}
	return ms
}

// Options configures a Source built through the Registry.
type Options struct {
	// BaseURL overrides the exchange REST endpoint. Mostly useful in tests.
	BaseURL string

	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client

	// RequestsPerSecond and Burst configure the client-side rate limiter.
	// Zero values select the exchange defaults.
	RequestsPerSecond float64
	Burst             int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	Logger *slog.Logger

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults(baseURL string, rps float64, burst int) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = rps
	}
	if o.Burst <= 0 {
		o.Burst = burst
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// conversionError classifies a failed row conversion: rows that parsed but break candle
// invariants are validation errors, anything else is a malformed response.
func conversionError(op string, err error) error {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return collerrors.NewValidationError(op, err)
	}
	return collerrors.NewExchangeError(op, err)
}

// lastTwo returns the final two candles of an ascending slice.
func lastTwo(op string, candles []models.Candle) (models.Candle, models.Candle, error) {
	if len(candles) < 2 {
		return models.Candle{}, models.Candle{}, collerrors.New(collerrors.ErrorTypeInsufficientData, op,
			fmt.Errorf("%w: got %d", collerrors.ErrInsufficientData, len(candles)))
	}
	return candles[len(candles)-2], candles[len(candles)-1], nil
}
