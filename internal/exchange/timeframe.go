package exchange

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimeframe converts a timeframe such as "1m", "4h", "1d", "1w" or "1M" to a duration.
// Months count as 30 days and years as 365 days.
func ParseTimeframe(timeframe string) (time.Duration, error) {
	if len(timeframe) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}

	amount, err := strconv.Atoi(timeframe[:len(timeframe)-1])
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}

	var unit time.Duration
	switch timeframe[len(timeframe)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = 30 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", timeframe)
	}

	return time.Duration(amount) * unit, nil
}

// TimeframeMillis converts a timeframe to milliseconds.
func TimeframeMillis(timeframe string) (int64, error) {
	d, err := ParseTimeframe(timeframe)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}
