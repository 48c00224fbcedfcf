package x402gate

import "fmt"

// ErrorCategory classifies a protocol failure by what the caller can do
// about it and what the client is allowed to learn.
type ErrorCategory int

const (
	// ChallengeNeeded means no usable payment was offered. Recoverable by
	// retrying with a fresh signed payload; never logged as an error.
	ChallengeNeeded ErrorCategory = iota

	// ValidationFailed means the offered payment did not match the terms
	// (wrong asset, stale terms, nonce reuse). Recoverable only with fresh
	// terms. The reason is kept for logs; the wire response is uniform.
	ValidationFailed

	// DependencyUnavailable means the cache or the settlement service was
	// unreachable or erroring. Surfaced to the client identically to a
	// validation failure so infrastructure state never leaks.
	DependencyUnavailable

	// EngineFault is an unexpected fault inside the orchestrator itself,
	// the only category surfaced as a 5xx.
	EngineFault
)

func (c ErrorCategory) String() string {
	switch c {
	case ChallengeNeeded:
		return "challenge_needed"
	case ValidationFailed:
		return "validation_failed"
	case DependencyUnavailable:
		return "dependency_unavailable"
	case EngineFault:
		return "engine_fault"
	default:
		return "unknown"
	}
}

// Internal reason codes recorded on a Decision for logs and metrics.
// None of these is ever echoed to the client.
const (
	ReasonNoPayment         = "no_payment"
	ReasonMalformedPayment  = "malformed_payment"
	ReasonSchemeMismatch    = "scheme_mismatch"
	ReasonAssetMismatch     = "asset_mismatch"
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonAmountBelowFloor  = "amount_below_required"
	ReasonTermsExpired      = "terms_expired"
	ReasonVerifyRejected    = "verify_rejected"
	ReasonSettleRejected    = "settle_rejected"
	ReasonCircuitOpen       = "circuit_open"
	ReasonDependencyError   = "dependency_error"
	ReasonRateLimited       = "rate_limited"
)

// PaymentError is a categorized protocol error. Subsystems return typed
// results across their boundaries; PaymentError is what the engine records
// internally when a step fails.
type PaymentError struct {
	Category ErrorCategory
	Reason   string
	Err      error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Category, e.Reason)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// NewPaymentError creates a categorized payment error.
func NewPaymentError(category ErrorCategory, reason string, err error) *PaymentError {
	return &PaymentError{Category: category, Reason: reason, Err: err}
}
