// Package logger provides structured logging for the collector.
// Records are written with the standard library's slog package to stdout, stderr or a
// rotating file, and optionally shipped to Loki. Every record carries the service,
// environment and run id of the process.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/tda-collector/internal/config"
)

// LoggerManager owns the process logger and the writers behind it.
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser
	loki       *LokiWriter
	runID      string

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// Option customizes a LoggerManager.
type Option func(*managerOptions)

type managerOptions struct {
	output io.Writer
	errOut io.Writer
	runID  string
}

// WithOutput replaces the configured destination, mostly for tests.
func WithOutput(w io.Writer) Option {
	return func(o *managerOptions) { o.output = w }
}

// WithErrorOutput sets where Loki push failures are reported. Defaults to stderr.
func WithErrorOutput(w io.Writer) Option {
	return func(o *managerOptions) { o.errOut = w }
}

// WithRunID pins the run id instead of generating one.
func WithRunID(id string) Option {
	return func(o *managerOptions) { o.runID = id }
}

// NewLoggerManager creates the process logger for a service and environment.
func NewLoggerManager(cfg config.LoggingConfig, serviceName, environment string, opts ...Option) (*LoggerManager, error) {
	o := managerOptions{errOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	var writer io.WriteCloser
	if o.output != nil {
		writer = nopWriteCloser{o.output}
	} else {
		w, err := createWriter(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create log writer: %w", err)
		}
		writer = w
	}

	var out io.Writer = writer
	var loki *LokiWriter
	if cfg.Loki.Enabled() {
		loki = NewLokiWriter(cfg.Loki, map[string]string{
			"service":     serviceName,
			"environment": environment,
		}, o.errOut)
		out = io.MultiWriter(writer, loki)
		if cfg.Loki.Debug {
			loki.Probe(context.Background())
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	baseLogger := slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("environment", environment),
		slog.String("run_id", o.runID),
	}))

	return &LoggerManager{
		baseLogger:     baseLogger,
		config:         cfg,
		writer:         writer,
		loki:           loki,
		runID:          o.runID,
		componentCache: make(map[string]*slog.Logger),
	}, nil
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

// nopWriteCloser wraps an io.Writer to provide a Close method
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// RunID returns the id attached to every record of this process.
func (lm *LoggerManager) RunID() string {
	return lm.runID
}

// Loki returns the Loki writer, or nil when shipping is disabled.
func (lm *LoggerManager) Loki() *LokiWriter {
	return lm.loki
}

// GetComponentLogger returns a logger tagged with the component name.
func (lm *LoggerManager) GetComponentLogger(component string) *slog.Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if cached, ok := lm.componentCache[component]; ok {
		return cached
	}
	componentLogger := lm.baseLogger.With(slog.String("component", component))
	lm.componentCache[component] = componentLogger
	return componentLogger
}

// Close flushes Loki and closes the file writer.
func (lm *LoggerManager) Close() error {
	var firstErr error
	if lm.loki != nil {
		if err := lm.loki.Close(); err != nil {
			firstErr = err
		}
	}
	if lm.writer != nil {
		if err := lm.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TimedOperation logs an operation with automatic timing
func TimedOperation(logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		logger.Error("timed operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	logger.Info("timed operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}
