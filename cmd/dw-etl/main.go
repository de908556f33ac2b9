package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dw-etl/internal/app"
	"dw-etl/internal/logging"
)

// main is the entry point for the dw-etl application.
func main() {
	// Ctrl+C cancels the batch in flight; the run then ends in FAILED.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := app.NewAppRunner()
	err := runner.Run(ctx, os.Args[1:])
	if err != nil {
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}

		// Make sure the failure is visible even with --loglevel none.
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "Application execution failed: %v", err)
		stop()
		os.Exit(1)
	}

	logging.Logf(logging.Info, "ETL process completed successfully.")
}
