package util

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxBackoff caps the wait between two attempts.
const maxBackoff = 10 * time.Second

// RetryWithBackoff runs fn up to attempts times until it succeeds. Waits start
// at base and double, capped at maxBackoff. It is meant for startup probes
// such as pinging a database that is still coming up; a cancelled ctx ends
// the loop with ctx's error.
func RetryWithBackoff(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	attempts = max(attempts, 1)
	wait := base
	var lastErr error
	for i := 1; ; i++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if i == attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
		}

		slog.Warn("Attempt failed, retrying", "attempt", i, "backoff", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}
