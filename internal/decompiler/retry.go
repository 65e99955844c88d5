package decompiler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig controls retries of timed-out decompiler runs.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each retry.
	Multiplier float64
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// attemptError marks the outcome of a single decompiler attempt.
type attemptError struct {
	err       error
	retryable bool
}

func (e *attemptError) Error() string { return e.err.Error() }

func (e *attemptError) Unwrap() error { return e.err }

func retryable(err error) error {
	return &attemptError{err: err, retryable: true}
}

// executeWithRetry runs fn until it succeeds, returns a non-retryable error, or
// the retry budget is spent.
func executeWithRetry(ctx context.Context, config *RetryConfig, fn func(attempt int) error) error {
	if config == nil || config.MaxRetries <= 0 {
		return fn(1)
	}

	var lastErr error
	backoff := config.InitialBackoff
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(attempt + 1)
		if err == nil {
			return nil
		}
		lastErr = err

		var ae *attemptError
		if !errors.As(err, &ae) || !ae.retryable {
			return err
		}
		if attempt >= config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", config.MaxRetries+1, lastErr)
}
