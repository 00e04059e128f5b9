package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Relay error taxonomy.
var (
	ErrSessionExpired          = errors.New("session expired")
	ErrAccessDenied            = errors.New("access denied")
	ErrNoCredentialsAvailable  = errors.New("no accounts available")
	ErrInvalidCredentialFormat = errors.New("invalid credential format")
	ErrUpstreamUnavailable     = errors.New("upstream service unavailable")
	ErrQuotaExceeded           = errors.New("daily quota exceeded")
	ErrSiteNotFound            = errors.New("site not found")
	ErrConfigInvalid           = errors.New("invalid configuration")
)

// ErrorKind is the machine-readable classification of a relay failure.
type ErrorKind string

// Known error kinds, one per taxonomy entry.
const (
	KindSessionExpired          ErrorKind = "SESSION_EXPIRED"
	KindAccessDenied            ErrorKind = "ACCESS_DENIED"
	KindNoCredentialsAvailable  ErrorKind = "NO_CREDENTIALS"
	KindInvalidCredentialFormat ErrorKind = "INVALID_CREDENTIALS"
	KindUpstreamUnavailable     ErrorKind = "UPSTREAM_UNAVAILABLE"
	KindQuotaExceeded           ErrorKind = "QUOTA_EXCEEDED"
	KindSiteNotFound            ErrorKind = "SITE_NOT_FOUND"
	KindInternal                ErrorKind = "INTERNAL"
)

// RelayError wraps errors with the context needed to render a response.
type RelayError struct {
	Err     error
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *RelayError) Error() string {
	if e.Message != "" && e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewRelayError builds a RelayError classified from the wrapped sentinel.
func NewRelayError(err error, message string) *RelayError {
	return &RelayError{Err: err, Kind: Classify(err), Message: message}
}

// Errorf wraps a sentinel with a formatted diagnostic message.
func Errorf(sentinel error, format string, args ...any) error {
	return &RelayError{Err: sentinel, Kind: Classify(sentinel), Message: fmt.Sprintf(format, args...)}
}

// Classify maps any error onto the taxonomy. Unknown errors are internal.
func Classify(err error) ErrorKind {
	var relayErr *RelayError
	if errors.As(err, &relayErr) && relayErr.Kind != "" {
		return relayErr.Kind
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrNoCredentialsAvailable):
		return KindNoCredentialsAvailable
	case errors.Is(err, ErrInvalidCredentialFormat):
		return KindInvalidCredentialFormat
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrSiteNotFound):
		return KindSiteNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// A collaborator gave up while the caller is still waiting.
		return KindUpstreamUnavailable
	default:
		return KindInternal
	}
}

// StatusCode returns the HTTP status associated with an error kind. Kinds
// rendered as redirects report http.StatusFound.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindSessionExpired, KindQuotaExceeded:
		return http.StatusFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindSiteNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse defines the standard JSON error model returned by admin and data APIs.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
