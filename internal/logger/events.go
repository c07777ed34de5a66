package logger

import (
	"context"
	"log/slog"
)

// Label keys attached to every event record, prefixed with "label_".
const (
	LabelServiceName = "service_name"
	LabelEnvironment = "environment"
	LabelMode        = "mode"
	LabelExchange    = "exchange"
	LabelSymbol      = "symbol"
	LabelTimeframe   = "timeframe"

	labelPrefix = "label_"
)

// Labels is the fixed label set of an event. Empty labels are omitted from records.
type Labels struct {
	ServiceName string
	Environment string
	Mode        string
	Exchange    string
	Symbol      string
	Timeframe   string
}

// ForTask returns a copy scoped to one exchange/symbol/timeframe.
func (l Labels) ForTask(exchange, symbol, timeframe string) Labels {
	l.Exchange = exchange
	l.Symbol = symbol
	l.Timeframe = timeframe
	return l
}

// WithMode returns a copy with the run mode set.
func (l Labels) WithMode(mode string) Labels {
	l.Mode = mode
	return l
}

// Attrs renders the non-empty labels as label_<name> attributes.
func (l Labels) Attrs() []slog.Attr {
	pairs := [...]struct{ key, value string }{
		{LabelServiceName, l.ServiceName},
		{LabelEnvironment, l.Environment},
		{LabelMode, l.Mode},
		{LabelExchange, l.Exchange},
		{LabelSymbol, l.Symbol},
		{LabelTimeframe, l.Timeframe},
	}

	attrs := make([]slog.Attr, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		attrs = append(attrs, slog.String(labelPrefix+p.key, p.value))
	}
	return attrs
}

// EventLogger writes one record per collection outcome: the event name, a message or
// error, event fields, and the label set.
type EventLogger struct {
	logger *slog.Logger
	labels Labels
}

// NewEventLogger binds a logger to a base label set.
func NewEventLogger(logger *slog.Logger, labels Labels) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger, labels: labels}
}

// Labels returns the bound label set.
func (e *EventLogger) Labels() Labels {
	return e.labels
}

// Logger returns the underlying logger.
func (e *EventLogger) Logger() *slog.Logger {
	return e.logger
}

// WithLabels returns an event logger using labels instead of the bound set.
func (e *EventLogger) WithLabels(labels Labels) *EventLogger {
	return &EventLogger{logger: e.logger, labels: labels}
}

// Info records a successful outcome.
func (e *EventLogger) Info(ctx context.Context, event, message string, fields ...slog.Attr) {
	e.log(ctx, slog.LevelInfo, event, message, nil, fields)
}

// Error records a failed outcome with the error text in the "error" field.
func (e *EventLogger) Error(ctx context.Context, event, message string, err error, fields ...slog.Attr) {
	e.log(ctx, slog.LevelError, event, message, err, fields)
}

func (e *EventLogger) log(ctx context.Context, level slog.Level, event, message string, err error, fields []slog.Attr) {
	attrs := make([]slog.Attr, 0, len(fields)+8)
	attrs = append(attrs, slog.String("event", event))
	attrs = append(attrs, fields...)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = append(attrs, e.labels.Attrs()...)

	e.logger.LogAttrs(ctx, level, message, attrs...)
}
