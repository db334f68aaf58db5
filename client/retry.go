package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultRetries      = 3
	defaultRetryBackoff = 250 * time.Millisecond
)

// withRetries retries fn while the server reports its stores unavailable,
// doubling the wait each time. Every other error is returned at once.
func withRetries[R any](ctx context.Context, logger *slog.Logger, attempts int, backoff time.Duration, fn func() (R, error)) (R, error) {
	var zero R
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil // Success
		}
		if !errors.Is(err, ErrUnavailable) || attempt >= attempts {
			return zero, err
		}

		logger.Warn("Service unavailable, backing off", "attempt", attempt, "duration", backoff)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			logger.Error("Context cancelled during backoff", "error", ctx.Err())
			return zero, fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		}
	}
}

func withRetriesVoid(ctx context.Context, logger *slog.Logger, attempts int, backoff time.Duration, fn func() error) error {
	_, err := withRetries(ctx, logger, attempts, backoff, func() (any, error) {
		return nil, fn()
	})
	return err
}
