// Package apperr defines the closed error taxonomy shared by every component.
// Each error carries a Kind discriminant and a Retryable flag so callers decide
// retry/deactivate/abort behavior from the error value alone, without string
// matching or unwinding a batch.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the closed error categories.
type Kind string

const (
	// KindConfiguration marks missing or invalid process configuration
	// (app id, signing key). Fatal: must be surfaced before any batch runs.
	KindConfiguration Kind = "configuration"

	// KindAuthentication marks an invalid, expired, or revoked credential.
	// Retryable authentication errors warrant one token re-issue attempt;
	// non-retryable ones signal a revoked installation.
	KindAuthentication Kind = "authentication"

	// KindExternalAPI marks a failure reported by the platform API.
	// Retryable covers rate limiting and 5xx; non-retryable covers gone
	// resources and triggers deactivation at the orchestrator.
	KindExternalAPI Kind = "external_api"

	// KindValidation marks rejected input or a cap violation. Never retried.
	KindValidation Kind = "validation"

	// KindWebhook marks a webhook delivery rejected before any state change
	// (bad signature, malformed payload).
	KindWebhook Kind = "webhook"

	// KindStorage marks an unavailable or failing persistence layer.
	KindStorage Kind = "storage"
)

// Error is the taxonomy's error type. Err is optional underlying cause.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a taxonomy error without an underlying cause.
func New(kind Kind, retryable bool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Retryable: retryable, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error around an underlying cause.
func Wrap(kind Kind, retryable bool, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Retryable: retryable, Message: fmt.Sprintf(format, args...), Err: err}
}

// Configuration is shorthand for a fatal configuration error.
func Configuration(format string, args ...interface{}) *Error {
	return New(KindConfiguration, false, format, args...)
}

// Validation is shorthand for a non-retryable validation error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, false, format, args...)
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Errors outside the taxonomy report KindExternalAPI with no retry,
// the most conservative classification for an unknown failure mode.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternalAPI
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsKind reports whether err belongs to the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
