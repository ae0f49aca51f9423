package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can pick a recovery action without matching error text.
type Kind string

// Failure kinds surfaced by the governance layer.
const (
	// KindQuotaExceeded means a local daily ceiling was reached. Never retried.
	KindQuotaExceeded Kind = "quota-exceeded"
	// KindUpstreamRateLimited means the provider throttled every credential slot.
	KindUpstreamRateLimited Kind = "upstream-rate-limited"
	// KindGuestLimitReached means the anonymous free-check quota is exhausted.
	KindGuestLimitReached Kind = "guest-limit-reached"
	// KindGuestTokenInvalid means the guest token failed server-side verification.
	KindGuestTokenInvalid Kind = "guest-token-invalid"
	// KindProviderUnavailable covers network failures, timeouts and upstream 5xx.
	KindProviderUnavailable Kind = "provider-unavailable"
	// KindProviderRejected covers upstream 4xx responses other than 429.
	KindProviderRejected Kind = "provider-rejected"
	// KindInvalidInput marks malformed requests rejected before any state change.
	KindInvalidInput Kind = "invalid-input"
	// KindContention means an optimistic update kept losing races.
	KindContention Kind = "contention"
	// KindInternal is the fallback for everything else.
	KindInternal Kind = "internal"
)

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. err may be nil.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the caller may try the same request again later.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind.Retryable()
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamRateLimited, KindProviderUnavailable, KindContention:
		return true
	default:
		return false
	}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code the HTTP layer returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUpstreamRateLimited:
		return http.StatusServiceUnavailable
	case KindGuestLimitReached:
		return http.StatusForbidden
	case KindGuestTokenInvalid:
		return http.StatusUnauthorized
	case KindProviderUnavailable:
		return http.StatusGatewayTimeout
	case KindProviderRejected:
		return http.StatusBadGateway
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindContention:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ProviderError reports an upstream HTTP failure with its status code.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status=%d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: request failed", e.Provider)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusCodeOf extracts an upstream status code from err, if any.
func StatusCodeOf(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		if code := statusErr.StatusCode(); code > 0 {
			return code, true
		}
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		return providerErr.StatusCode, true
	}
	return 0, false
}
