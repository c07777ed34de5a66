package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	collerrors "github.com/johnayoung/tda-collector/internal/errors"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// JitterFunc returns a random addition to a backoff delay given the base delay.
type JitterFunc func(base time.Duration) time.Duration

// RetryHook is called before every backoff wait.
type RetryHook func(attempt int, delay time.Duration, err error)

// Executor runs operations under a backoff Policy.
type Executor struct {
	policy  Policy
	sleep   SleepFunc
	jitter  JitterFunc
	onRetry RetryHook
	logger  *slog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the blocking wait between attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter replaces the jitter source.
func WithJitter(jitter JitterFunc) Option {
	return func(e *Executor) { e.jitter = jitter }
}

// WithRetryHook registers a callback invoked before each wait.
func WithRetryHook(hook RetryHook) Option {
	return func(e *Executor) { e.onRetry = hook }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor. Zero policy fields take the process defaults.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy.WithDefaults(),
		sleep:  SleepContext,
		jitter: UniformJitter,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// WithPolicy returns a copy of the executor using override on top of its own policy.
func (e *Executor) WithPolicy(override Policy) *Executor {
	clone := *e
	clone.policy = e.policy.Merge(override)
	return &clone
}

// Do executes op, retrying transient failures.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run executes op with retries and returns its result. A non-retryable error is
// returned immediately. After MaxAttempts failed attempts the last error is returned
// wrapped with the attempt count.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	b := newBackOff(e.policy, e.jitter)
	b.Reset()

	attempt := 0
	for {
		attempt++

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if !collerrors.IsRetryable(err) {
			return zero, err
		}

		// The bounded backoff stops once MaxAttempts calls have been made.
		next := b.NextBackOff()
		if next == backoff.Stop {
			return zero, fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
		}

		e.logger.Warn("retrying operation",
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"delay", next,
			"error_type", collerrors.Classify(err),
			"error", err.Error())

		if e.onRetry != nil {
			e.onRetry(attempt, next, err)
		}

		if serr := e.sleep(ctx, next); serr != nil {
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w (last error: %v)", attempt, serr, err)
		}
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UniformJitter draws uniformly from [0, base).
func UniformJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}
