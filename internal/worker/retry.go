package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// sleep waits for d or ctx; tests swap it out.
var sleep = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// permanent stops retry immediately with err.
func permanent(err error) error { return permanentError{err} }

// retry executes fn up to maxAttempts times with jittered exponential backoff.
// Base delay doubles on each attempt: 200ms -> 400ms -> 800ms, etc.
// Random jitter of 0-50% of the current delay is added to avoid thundering herd.
func retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var p permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			return lastErr
		}
		var jitter time.Duration
		if delay/2 > 0 {
			jitter = time.Duration(rand.Int63n(int64(delay / 2)))
		}
		if sleep(ctx, delay+jitter) != nil {
			return lastErr
		}
		delay *= 2
	}
	return lastErr
}
