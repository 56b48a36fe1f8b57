package upstream

import (
	"fmt"
	"net/http"
)

// Kind classifies an upstream failure. Callers branch on the kind, not
// on HTTP status codes, so the taxonomy stays stable even if the
// upstream service changes its status usage.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized    // Credentials rejected. Not retryable.
	KindRateLimited     // Upstream throttled the bridge.
	KindInvalidRequest  // The request itself is malformed. Not retryable.
	KindUnavailable     // Upstream down or erroring (network, 5xx).
	KindTimeout         // Deadline exceeded waiting for upstream.
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure carrying the correlation ID of
// the attempt so logs on both sides of the hop can be joined.
type Error struct {
	Kind          Kind
	Status        int // HTTP status, 0 for network-level failures.
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether another attempt may succeed. Auth and
// validation failures are deterministic and never retried.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUnavailable, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status to a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}
