package broker

import (
	"context"
	"time"
)

// RetryWithBackoff executes fn until it succeeds, returns a non-temporary
// error, or maxRetries retries have been spent. The delay doubles per attempt
// and is capped at one minute.
func RetryWithBackoff(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			if delay > time.Minute {
				delay = time.Minute
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTemporaryError(err) {
			break
		}
	}

	return lastErr
}
