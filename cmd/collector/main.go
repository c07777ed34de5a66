// Command collector polls or backfills OHLCV candles from the configured exchanges and
// writes them to a warehouse table.
//
// Usage:
//
//	collector --mode live --config config.yaml
//	collector --mode history --start 2024-01-01 --end 2024-02-01T00:00:00Z
//
// The warehouse backend, destination table and logging are read from the environment
// (optionally seeded from a .env file) and may be overridden with flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "collector"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitInterrupt     = 130
)

// exitError carries the process exit code of a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error      { return &exitError{code: ExitUsageError, err: err} }
func configError(err error) error     { return &exitError{code: ExitConfigError, err: err} }
func connectionError(err error) error { return &exitError{code: ExitConnectionErr, err: err} }
func interrupted(err error) error     { return &exitError{code: ExitInterrupt, err: err} }

// exitCode maps a run error to the process exit code. Errors without a code come from
// argument parsing.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsageError
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand(newApp()).ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != ExitInterrupt {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	cancel()
	os.Exit(code)
}

// options holds the command-line flags.
type options struct {
	mode       string
	configPath string
	envFile    string
	start      string
	end        string

	dataset     string
	table       string
	storage     string
	metricsAddr string

	backoffBase     float64
	backoffFactor   float64
	backoffMax      float64
	backoffAttempts int
	pageLimit       int
	workers         int
}

func newRootCommand(a *app) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Collect OHLCV candles from crypto exchanges into a warehouse table",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), opts, cmd.Flags().Changed)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.mode, "mode", "live", "Run mode: live or history")
	f.StringVar(&opts.configPath, "config", "", "Path to the task document (default $CONFIG_PATH or ./config.yaml)")
	f.StringVar(&opts.envFile, "env-file", ".env", "Path to an optional .env file")
	f.StringVar(&opts.start, "start", "", "History start, ISO-8601 (required in history mode)")
	f.StringVar(&opts.end, "end", "", "History end, ISO-8601 (default now)")
	f.StringVar(&opts.dataset, "dataset", "", "Destination dataset (overrides BQ_DATASET)")
	f.StringVar(&opts.table, "table", "", "Destination table (overrides BQ_TABLE)")
	f.StringVar(&opts.storage, "storage", "", "Storage backend: bigquery, duckdb, clickhouse or memory (overrides STORAGE_BACKEND)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve metrics and health on this address (overrides METRICS_ADDR)")
	f.Float64Var(&opts.backoffBase, "backoff-base", 0, "First retry delay in seconds")
	f.Float64Var(&opts.backoffFactor, "backoff-factor", 0, "Retry delay growth factor")
	f.Float64Var(&opts.backoffMax, "backoff-max", 0, "Retry delay cap in seconds")
	f.IntVar(&opts.backoffAttempts, "backoff-attempts", 0, "Maximum attempts per operation")
	f.IntVar(&opts.pageLimit, "page-limit", 0, "Candles requested per history page")
	f.IntVar(&opts.workers, "workers", 0, "History tasks backfilled concurrently")

	return cmd
}
