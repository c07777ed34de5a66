// Package models provides data structures and validation for OHLCV market data.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV observation for an exchange/symbol/timeframe at a period
// start. The tuple (Exchange, Symbol, Timeframe, Timestamp) identifies a candle; the
// storage layer does not enforce uniqueness on it.
type Candle struct {
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Exchange   string    `json:"exchange" db:"exchange"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Timeframe  string    `json:"timeframe" db:"timeframe"`
	Open       float64   `json:"open" db:"open"`
	High       float64   `json:"high" db:"high"`
	Low        float64   `json:"low" db:"low"`
	Close      float64   `json:"close" db:"close"`
	Volume     float64   `json:"volume" db:"volume"`
	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
}

// Row column names, in storage order.
const (
	ColumnTimestamp  = "timestamp"
	ColumnExchange   = "exchange"
	ColumnSymbol     = "symbol"
	ColumnTimeframe  = "timeframe"
	ColumnOpen       = "open"
	ColumnHigh       = "high"
	ColumnLow        = "low"
	ColumnClose      = "close"
	ColumnVolume     = "volume"
	ColumnIngestedAt = "ingested_at"
)

// NewCandle builds a candle from an exchange row expressed in epoch milliseconds.
// Both timestamps are normalized to UTC.
func NewCandle(exchange, symbol, timeframe string, tsMillis int64, open, high, low, close, volume float64, ingestedAt time.Time) Candle {
	return Candle{
		Timestamp:  time.UnixMilli(tsMillis).UTC(),
		Exchange:   exchange,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      close,
		Volume:     volume,
		IngestedAt: ingestedAt.UTC(),
	}
}

// TimestampMillis returns the period start in epoch milliseconds.
func (c Candle) TimestampMillis() int64 {
	return c.Timestamp.UnixMilli()
}

// Row returns the candle as a column-name keyed storage row.
func (c Candle) Row() map[string]any {
	return map[string]any{
		ColumnTimestamp:  c.Timestamp.UTC(),
		ColumnExchange:   c.Exchange,
		ColumnSymbol:     c.Symbol,
		ColumnTimeframe:  c.Timeframe,
		ColumnOpen:       c.Open,
		ColumnHigh:       c.High,
		ColumnLow:        c.Low,
		ColumnClose:      c.Close,
		ColumnVolume:     c.Volume,
		ColumnIngestedAt: c.IngestedAt.UTC(),
	}
}

// Key returns the logical identity of the candle.
func (c Candle) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", c.Exchange, c.Symbol, c.Timeframe, c.TimestampMillis())
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the candle before it is written: identity fields are set, values are
// finite and non-negative, and high/low bracket open and close.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: ColumnTimestamp, Message: "timestamp cannot be null or zero"}
	}
	if c.Exchange == "" {
		return &ValidationError{Field: ColumnExchange, Message: "exchange cannot be empty"}
	}
	if c.Symbol == "" {
		return &ValidationError{Field: ColumnSymbol, Message: "symbol cannot be empty"}
	}
	if c.Timeframe == "" {
		return &ValidationError{Field: ColumnTimeframe, Message: "timeframe cannot be empty"}
	}

	values := []struct {
		field string
		value float64
	}{
		{ColumnOpen, c.Open},
		{ColumnHigh, c.High},
		{ColumnLow, c.Low},
		{ColumnClose, c.Close},
		{ColumnVolume, c.Volume},
	}
	for _, v := range values {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return &ValidationError{Field: v.field, Message: "value must be finite"}
		}
		if v.value < 0 {
			return &ValidationError{Field: v.field, Message: "value must be greater than or equal to 0"}
		}
	}

	// Plain float comparisons: exact price checks happen in ParseCandle before conversion.
	if c.High < math.Max(c.Open, c.Close) {
		return &ValidationError{
			Field:   ColumnHigh,
			Message: fmt.Sprintf("high price (%g) must be greater than or equal to max(open, close) (%g)", c.High, math.Max(c.Open, c.Close)),
		}
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return &ValidationError{
			Field:   ColumnLow,
			Message: fmt.Sprintf("low price (%g) must be less than or equal to min(open, close) (%g)", c.Low, math.Min(c.Open, c.Close)),
		}
	}

	return nil
}

// ParseCandle builds a candle from the exact decimal values an exchange reported. Sign
// and high/low bracketing are checked on the decimals, before the float64 conversion
// can round them, then the result goes through Validate.
func ParseCandle(exchange, symbol, timeframe string, tsMillis int64, open, high, low, close, volume decimal.Decimal, ingestedAt time.Time) (Candle, error) {
	values := []struct {
		field string
		value decimal.Decimal
	}{
		{ColumnOpen, open},
		{ColumnHigh, high},
		{ColumnLow, low},
		{ColumnClose, close},
		{ColumnVolume, volume},
	}
	for _, v := range values {
		if v.value.IsNegative() {
			return Candle{}, &ValidationError{Field: v.field, Message: fmt.Sprintf("value (%s) must be greater than or equal to 0", v.value)}
		}
	}

	if maxOpenClose := decimal.Max(open, close); high.LessThan(maxOpenClose) {
		return Candle{}, &ValidationError{
			Field:   ColumnHigh,
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}
	if minOpenClose := decimal.Min(open, close); low.GreaterThan(minOpenClose) {
		return Candle{}, &ValidationError{
			Field:   ColumnLow,
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	c := NewCandle(exchange, symbol, timeframe, tsMillis,
		open.InexactFloat64(), high.InexactFloat64(), low.InexactFloat64(),
		close.InexactFloat64(), volume.InexactFloat64(), ingestedAt)
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}
