package x402gate

import (
	"encoding/json"
	"time"
)

// Scheme identifies the signed-authorization scheme offered to clients.
// "exact" is the only scheme this engine issues: the client authorizes a
// transfer of exactly the required amount.
const SchemeExact = "exact"

// PaymentRequirements is the terms object minted for a 402 challenge.
// It is immutable once issued and never persisted: at verification time it
// is reconstructed from the nonce plus engine configuration.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Nonce             string `json:"nonce"`
	ValidUntil        int64  `json:"validUntil"` // unix milliseconds
}

// Expired reports whether the terms are past their validity window.
func (r PaymentRequirements) Expired(now time.Time) bool {
	return now.UnixMilli() > r.ValidUntil
}

// PaymentPayload is the client's signed proof of intent, carried in the
// X-PAYMENT header. TxHash is a placeholder until settlement; the engine
// never interprets Signature, it forwards it to the settlement service.
type PaymentPayload struct {
	Scheme    string `json:"scheme"`
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Asset     string `json:"asset"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// SettlementConfirmation is the structured value carried base64-encoded in
// the X-PAYMENT-RESPONSE header on full admission.
type SettlementConfirmation struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// PaymentRequiredBody is the JSON body of a 402 response. It mirrors the
// X-PAYMENT-REQUIRED header for clients that cannot read headers.
type PaymentRequiredBody struct {
	Error           string              `json:"error"`
	Message         string              `json:"message"`
	PaymentRequired PaymentRequirements `json:"payment_required"`
	Timestamp       int64               `json:"timestamp"`
}

// VerifyResult is the settlement service's answer to POST /verify.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	PaymentID     string `json:"paymentId"`
	Reason        string `json:"reason,omitempty"`
	BlockNumber   int64  `json:"blockNumber,omitempty"`
	Confirmations int    `json:"confirmations,omitempty"`
}

// SettleResult is the settlement service's answer to POST /settle.
type SettleResult struct {
	Settled     bool     `json:"settled"`
	FinalAmount string   `json:"finalAmount"`
	SettleTime  string   `json:"settleTime"`
	Receipts    []string `json:"receipts,omitempty"`
}

// MarshalBody renders the canonical 402 body for a set of terms.
func MarshalBody(terms PaymentRequirements) ([]byte, error) {
	body := PaymentRequiredBody{
		Error:           "payment_required",
		Message:         "payment is required to access this resource",
		PaymentRequired: terms,
		Timestamp:       time.Now().UnixMilli(),
	}
	return json.Marshal(body)
}
