package x402gate

import "context"

// FacilitatorClient is the boundary to the external settlement service.
// The engine never verifies a signed authorization itself; it delegates
// to this collaborator and only enforces protocol-level invariants.
type FacilitatorClient interface {
	// Verify checks whether a signed payment authorization satisfies the
	// given terms.
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResult, error)

	// Settle executes a previously verified payment.
	Settle(ctx context.Context, paymentID, finalAmount string) (*SettleResult, error)
}
