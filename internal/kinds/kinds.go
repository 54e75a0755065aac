// Package kinds defines the error taxonomy shared by the fetch, distillation,
// crawl and job subsystems. Every recoverable-vs-fatal decision in the
// orchestrators keys off Kind, never off error string matching.
package kinds

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindSSRFBlocked      Kind = "SSRF_BLOCKED"
	KindInvalidURL       Kind = "INVALID_URL"
	KindTimeout          Kind = "TIMEOUT"
	KindHTTP4xx          Kind = "HTTP_4XX"
	KindHTTP5xx          Kind = "HTTP_5XX"
	KindRobotsBlocked    Kind = "ROBOTS_BLOCKED"
	KindRateLimited      Kind = "RATE_LIMIT_EXCEEDED"
	KindExtractionFailed Kind = "EXTRACTION_FAILED"
	KindPolicyFailed     Kind = "POLICY_FAILED"
	KindCacheUnavailable Kind = "CACHE_BACKEND_UNAVAILABLE"
	KindChallenge        Kind = "CHALLENGE_DETECTED"
	KindCancelled        Kind = "CANCELLED"
)

// Error is a classified error. Status carries an HTTP-ish status code for
// transport collaborators (e.g. 403 for SSRF refusals).
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, status int, message string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: err}
}

// KindOf returns the Kind of err, or "" if err carries no classification.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the HTTP client retry wrapper may re-attempt
// after this error. SSRF refusals, timeouts and upstream 4xx are never
// retried; 5xx and plain network errors are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindSSRFBlocked, KindTimeout, KindHTTP4xx, KindInvalidURL, KindCancelled:
		return false
	case KindHTTP5xx:
		return true
	case "":
		// Unclassified network error.
		return true
	default:
		return false
	}
}
