package providers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig holds retry settings for provider requests.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for LLM requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// RetryDo runs fn with exponential backoff on transient failures. 4xx errors
// other than 429 are not retried; 429 surfaces immediately as a rate-limit
// signal for the caller's cooldown handling.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	backoff := cfg.BackoffBase

	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}

		if !retryable(err) || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

func retryable(err error) bool {
	if _, ok := IsRateLimited(err); ok {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == http.StatusRequestTimeout
	}
	// Transport-level failures (connection reset, timeout) arrive as plain
	// errors and are worth one more try.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ParseRetryAfter parses a Retry-After header value (delta seconds only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
