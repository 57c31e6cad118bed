package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError marks an error as retryable or not. Provider adapters
// attach this to classify their failures explicitly; anything else falls
// back to heuristics.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// transientPatterns are substrings that mark an unclassified error as worth
// retrying. Matched case-insensitively against the full error text.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"rate limit",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
}

// IsRecoverable checks if an error can be retried
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return classify(err)
}

// classify applies heuristics for errors that carry no explicit
// RecoverableError implementation.
func classify(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false // cancellation is intentional
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true // timeouts are usually transient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return classify(urlErr.Err)
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// classified wraps an error with a fixed retry decision.
type classified struct {
	err         error
	recoverable bool
}

func (e *classified) Error() string       { return e.err.Error() }
func (e *classified) IsRecoverable() bool { return e.recoverable }
func (e *classified) Unwrap() error       { return e.err }

// NewRecoverableError wraps err so the retry loop will retry it.
func NewRecoverableError(err error) RecoverableError {
	return &classified{err: err, recoverable: true}
}

// NewNonRecoverableError wraps err so the retry loop propagates it
// immediately.
func NewNonRecoverableError(err error) RecoverableError {
	return &classified{err: err, recoverable: false}
}
