package queue

import (
	"context"
	"errors"
	"strings"
)

// PermanentError marks a job failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue dead-letters the job instead of retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// retryablePatterns are transient infrastructure failures: exchange rate
// limits, timeouts and dropped connections, database deadlocks.
var retryablePatterns = []string{
	"rate limit",
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"gateway timeout",
	"too many requests",
	"429",
	"503",
	"504",
	"deadlock",
	"connection",
	"lock timeout",
	"serialization failure",
}

// IsRetryable determines if a failed job should be delivered again. Only
// errors wrapped with Permanent are excluded; attempts are capped separately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// IsTransient reports whether err looks like a passing infrastructure
// failure rather than a bug or bad input.
func IsTransient(err error) bool {
	if err == nil || !IsRetryable(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
