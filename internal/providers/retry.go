package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx upstream response. It preserves the status code and
// Retry-After hint so classification and backoff can act on them.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // 0 when the header was absent or unparseable
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value. Supports delta-seconds
// and HTTP-date forms; returns 0 for anything else.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryConfig controls RetryDo backoff.
type RetryConfig struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // first backoff wait
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // delay growth factor
}

// DefaultRetryConfig matches the provider-call defaults: 2 retries,
// 1s → 2s → 4s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// RetryDo runs fn with backoff. A failure is retried only when its
// classified reason allows it: billing/format/compaction/auth never retry;
// rate_limit/timeout always do; unknown reasons retry only on transient
// network messages. A Retry-After hint longer than the computed delay wins.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 2
	}

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		if attempt >= cfg.MaxRetries || !IsRetryableError(err) {
			return zero, err
		}

		wait := delay
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > wait {
			wait = httpErr.RetryAfter
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * mult)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
