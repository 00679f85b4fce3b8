// Package util provides shared utility functions for blobfs.
package util

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// UploadRetryOptions returns retry options for remote object-store writes.
// Exponential backoff; the attempt count and delay bounds come from mount
// configuration so operators can tune the budget (they are not hard-coded).
func UploadRetryOptions(ctx context.Context, attempts uint, initial, max time.Duration) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(initial),
		retry.MaxDelay(max),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// FetchRetryOptions returns retry options for remote object-store reads.
// The retryIf predicate is supplied by the caller because a not-found
// response is transient only when the catalog says the object must exist
// (eventual consistency after a recent upload).
func FetchRetryOptions(ctx context.Context, attempts uint, initial, max time.Duration, retryIf func(error) bool) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(initial),
		retry.MaxDelay(max),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DatabaseRetryOptions returns retry options for catalog operations.
// Uses linear backoff (100ms, 200ms, 300ms) suitable for transient
// "database is locked" errors from SQLite WAL checkpoint contention.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsTransient reports whether an error is a plausibly temporary I/O failure
// (network error, timeout, throttling) worth retrying against the remote
// object store. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"timeout", "timed out", "connection reset", "connection refused",
		"broken pipe", "EOF", "SlowDown", "TooManyRequests",
		"InternalError", "ServiceUnavailable", "RequestTimeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
