package facilitator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FailureKind is a coarse classification of facilitator call failures,
// used for logs and metrics only. The protocol engine treats every kind
// as "could not verify/settle" and collapses it to a 402.
type FailureKind string

const (
	KindNetworkError    FailureKind = "network_error"
	KindAPIKeyInvalid   FailureKind = "api_key_invalid"
	KindRateLimit       FailureKind = "rate_limit"
	KindValidationError FailureKind = "validation_error"
	KindTimeout         FailureKind = "timeout"
	KindUnknown         FailureKind = "unknown"
)

// CallError wraps a failed verify or settle call with its classification.
type CallError struct {
	Op     string // "verify" or "settle"
	Kind   FailureKind
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("facilitator %s failed (%s, status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("facilitator %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// classifyTransport maps a transport-level error to a failure kind.
func classifyTransport(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetworkError
}

// classifyStatus maps a non-2xx HTTP status to a failure kind.
func classifyStatus(status int) FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAPIKeyInvalid
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidationError
	case status >= 500:
		return KindNetworkError
	default:
		return KindUnknown
	}
}
