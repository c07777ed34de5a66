// Package errors provides error classification for the candle collector.
// Every failure surfacing from an exchange or a storage backend is mapped onto a small
// taxonomy so the retry executor can decide whether another attempt is worthwhile:
// network failures and rate-limit rejections are transient, everything else is fatal.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork   ErrorType = "network"    // Connectivity issues, timeouts, exchange unavailable
	ErrorTypeRateLimit ErrorType = "rate_limit" // Rate limiting from the exchange

	// Non-retryable error types
	ErrorTypeExchange         ErrorType = "exchange"          // Exchange rejected the request (bad symbol, 4xx)
	ErrorTypeValidation       ErrorType = "validation"        // Malformed or invalid data
	ErrorTypeConfiguration    ErrorType = "configuration"     // Configuration errors
	ErrorTypeStorage          ErrorType = "storage"           // Any storage failure
	ErrorTypeInsufficientData ErrorType = "insufficient_data" // Fewer candles than required

	ErrorTypeUnknown ErrorType = "unknown"
)

// Typed is implemented by errors of other packages that carry their own classification.
type Typed interface {
	error
	ErrorType() ErrorType
}

// ErrInsufficientData is returned when a source yields fewer candles than an operation needs.
var ErrInsufficientData = errors.New("not enough candles returned")

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Type ErrorType
	Op   string
	Err  error
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Op == "" {
		return fmt.Sprintf("[%s] %v", ce.Type, ce.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", ce.Type, ce.Op, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Retryable reports whether the error type is transient.
func (ce *ClassifiedError) Retryable() bool {
	return ce.Type == ErrorTypeNetwork || ce.Type == ErrorTypeRateLimit
}

// New wraps err with the given classification. A nil err yields nil.
func New(t ErrorType, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Type: t, Op: op, Err: err}
}

// NewNetworkError classifies err as a transient network failure.
func NewNetworkError(op string, err error) error {
	return New(ErrorTypeNetwork, op, err)
}

// NewRateLimitError classifies err as a rate-limit rejection.
func NewRateLimitError(op string, err error) error {
	return New(ErrorTypeRateLimit, op, err)
}

// NewExchangeError classifies err as a fatal exchange-side rejection.
func NewExchangeError(op string, err error) error {
	return New(ErrorTypeExchange, op, err)
}

// NewValidationError classifies err as invalid data.
func NewValidationError(op string, err error) error {
	return New(ErrorTypeValidation, op, err)
}

// NewConfigurationError classifies err as a configuration problem.
func NewConfigurationError(op string, err error) error {
	return New(ErrorTypeConfiguration, op, err)
}

// Classify returns the ErrorType of err. Already classified errors keep their type;
// raw errors are inspected for network characteristics.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}

	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	if errors.Is(err, ErrInsufficientData) {
		return ErrorTypeInsufficientData
	}

	// A caller-side cancellation is never worth another attempt.
	if errors.Is(err, context.Canceled) {
		return ErrorTypeUnknown
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}

	return ErrorTypeUnknown
}

// IsRetryable checks if an error is retryable. Only network failures and rate-limit
// rejections qualify.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorTypeNetwork, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"broken pipe",
		"i/o timeout",
		"unexpected eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
