package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TerminalError wraps the last failure after the retry budget is spent.
type TerminalError struct {
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("update failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// runWithRetry invokes op up to maxAttempts times with a fixed delay
// between attempts. Every failure is treated the same; there is no error
// classification. Context cancellation aborts the wait immediately and
// returns ctx.Err without a terminal wrapper.
func runWithRetry(ctx context.Context, logger *slog.Logger, maxAttempts int, delay time.Duration, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < maxAttempts {
			logger.Warn("attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"delay", delay,
				"error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &TerminalError{Attempts: maxAttempts, Err: lastErr}
}
