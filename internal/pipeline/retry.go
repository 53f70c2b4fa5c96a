package pipeline

import (
	"context"
	"time"

	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

// retry runs fn up to attempts times with a fixed delay between tries,
// returning the last error when every attempt fails.
func retry[T any](ctx context.Context, attempts int, delay time.Duration, op string, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn("retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, err
}
