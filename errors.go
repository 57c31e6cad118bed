package showrunner

import (
	"errors"
	"fmt"
)

// Error type constants for classification and matching
const (
	// ErrorTypeInvalidSignature indicates a webhook whose HMAC did not verify.
	ErrorTypeInvalidSignature = "invalid_signature"

	// ErrorTypeReplayRejected indicates a webhook timestamp outside the
	// accepted replay window.
	ErrorTypeReplayRejected = "replay_rejected"

	// ErrorTypeUnknownRun indicates a callback or approval that could not be
	// routed to any run.
	ErrorTypeUnknownRun = "unknown_run"

	// ErrorTypeStaleResume indicates a resume that did not match the run's
	// active wait or gate.
	ErrorTypeStaleResume = "stale_resume"

	// ErrorTypeProviderTransient matches timeouts and 5xx responses from a
	// provider. Retried per the retry policy before dead-lettering.
	ErrorTypeProviderTransient = "provider_transient"

	// ErrorTypeProviderPermanent matches 4xx validation failures from a
	// provider. Never retried; the run fails immediately.
	ErrorTypeProviderPermanent = "provider_permanent"

	// ErrorTypeCircuitOpen indicates a call was refused without a network
	// attempt because the provider's breaker is open.
	ErrorTypeCircuitOpen = "circuit_open"

	// ErrorTypeTokenExpired indicates an approval token past its expiry.
	ErrorTypeTokenExpired = "token_expired"

	// ErrorTypeTokenAlreadyUsed indicates a second approval with a token
	// that was already consumed.
	ErrorTypeTokenAlreadyUsed = "token_already_used"

	// ErrorTypeNodeFailed indicates node logic returned an error; the owning
	// run is failed with the error attached to its checkpoint.
	ErrorTypeNodeFailed = "node_failed"
)

// Sentinel errors for the failure modes callers branch on with errors.Is.
var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrReplayRejected   = errors.New("webhook timestamp outside replay window")
	ErrUnknownRun       = errors.New("no run matches the callback")
	ErrStaleResume      = errors.New("resume does not match the active wait")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrTokenExpired     = errors.New("approval token expired")
	ErrTokenAlreadyUsed = errors.New("approval token already used")
	ErrTokenInvalid     = errors.New("approval token invalid")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunAborted       = errors.New("run aborted")
)

// OrchestrationError is a structured error with classification. It supports
// Go's error wrapping patterns with Unwrap().
type OrchestrationError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *OrchestrationError) Unwrap() error {
	return e.Wrapped
}

// NewOrchestrationError creates an OrchestrationError with the given type and
// cause.
func NewOrchestrationError(errorType, cause string) *OrchestrationError {
	return &OrchestrationError{Type: errorType, Cause: cause}
}

// WrapError wraps err with a classification type.
func WrapError(errorType string, err error) *OrchestrationError {
	return &OrchestrationError{Type: errorType, Cause: err.Error(), Wrapped: err}
}

// ClassifyError attempts to classify an arbitrary error into an
// OrchestrationError. Sentinel errors map to their taxonomy types; anything
// unrecognized defaults to a node failure so that unknown errors terminate
// only the owning run.
func ClassifyError(err error) *OrchestrationError {
	var oErr *OrchestrationError
	if errors.As(err, &oErr) {
		return oErr
	}
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return &OrchestrationError{Type: ErrorTypeInvalidSignature, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, ErrReplayRejected):
		return &OrchestrationError{Type: ErrorTypeReplayRejected, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, ErrUnknownRun), errors.Is(err, ErrRunNotFound):
		return &OrchestrationError{Type: ErrorTypeUnknownRun, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, ErrStaleResume):
		return &OrchestrationError{Type: ErrorTypeStaleResume, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, ErrCircuitOpen):
		return &OrchestrationError{Type: ErrorTypeCircuitOpen, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, ErrTokenExpired):
		return &OrchestrationError{Type: ErrorTypeTokenExpired, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, ErrTokenAlreadyUsed):
		return &OrchestrationError{Type: ErrorTypeTokenAlreadyUsed, Cause: err.Error(), Wrapped: err}
	}
	return &OrchestrationError{Type: ErrorTypeNodeFailed, Cause: err.Error(), Wrapped: err}
}

// IsAuthFailure reports whether the error is a webhook authentication
// failure. Auth failures are logged and rejected at the edge; they never
// become dead letters.
func IsAuthFailure(err error) bool {
	t := ClassifyError(err).Type
	return t == ErrorTypeInvalidSignature || t == ErrorTypeReplayRejected
}
