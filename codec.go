package x402gate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Header names of the x402 wire protocol.
const (
	HeaderPaymentRequired = "X-PAYMENT-REQUIRED"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// ErrNoUsablePayment is returned by DecodePayload for every decode or
// schema failure. Callers must not distinguish the failure modes on the
// wire; the detail is only for logs.
var ErrNoUsablePayment = errors.New("no usable payment offered")

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// payloadSchemaJSON pins the exact field set a payment payload must carry.
// Every field is a required non-empty string; anything else is rejected
// before the payload reaches validation or the settlement service.
const payloadSchemaJSON = `{
	"type": "object",
	"required": ["scheme", "txHash", "from", "to", "value", "asset", "nonce", "signature"],
	"properties": {
		"scheme":    {"type": "string", "minLength": 1},
		"txHash":    {"type": "string", "minLength": 1},
		"from":      {"type": "string", "minLength": 1},
		"to":        {"type": "string", "minLength": 1},
		"value":     {"type": "string", "minLength": 1},
		"asset":     {"type": "string", "minLength": 1},
		"nonce":     {"type": "string", "minLength": 1},
		"signature": {"type": "string", "minLength": 1}
	}
}`

var payloadSchema = mustCompileSchema(payloadSchemaJSON)

func mustCompileSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("x402gate: invalid payload schema: %v", err))
	}
	return schema
}

// EncodeRequirements encodes payment terms into the X-PAYMENT-REQUIRED
// header value: base64 of the JSON object.
func EncodeRequirements(terms PaymentRequirements) (string, error) {
	raw, err := json.Marshal(terms)
	if err != nil {
		return "", fmt.Errorf("failed to encode requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRequirements decodes an X-PAYMENT-REQUIRED header value back into
// payment terms. Used by clients; included for contract completeness.
func DecodeRequirements(headerValue string) (*PaymentRequirements, error) {
	if headerValue == "" {
		return nil, fmt.Errorf("requirements header is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return nil, fmt.Errorf("invalid requirements header: %w", err)
	}
	var terms PaymentRequirements
	if err := json.Unmarshal(raw, &terms); err != nil {
		return nil, fmt.Errorf("invalid requirements header: %w", err)
	}
	return &terms, nil
}

// DecodePayload decodes and schema-validates an X-PAYMENT header value.
// Absence, bad base64, bad JSON, and schema violations all collapse into
// ErrNoUsablePayment so this boundary never leaks a decode oracle.
func DecodePayload(rawHeaderValue string) (*PaymentPayload, error) {
	if rawHeaderValue == "" {
		return nil, ErrNoUsablePayment
	}
	if !base64Regex.MatchString(rawHeaderValue) {
		return nil, fmt.Errorf("%w: not valid base64", ErrNoUsablePayment)
	}
	decoded, err := base64.StdEncoding.DecodeString(rawHeaderValue)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decoding failed", ErrNoUsablePayment)
	}

	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, fmt.Errorf("%w: not valid JSON", ErrNoUsablePayment)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrNoUsablePayment, firstSchemaError(result))
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsablePayment, err)
	}
	return &payload, nil
}

func firstSchemaError(result *gojsonschema.Result) string {
	for _, desc := range result.Errors() {
		return desc.String()
	}
	return "schema validation failed"
}

// EncodeSettlementHeader builds the X-PAYMENT-RESPONSE header value:
// base64 of {paymentId, status, timestamp}.
func EncodeSettlementHeader(paymentID, status string) (string, error) {
	raw, err := json.Marshal(SettlementConfirmation{
		PaymentID: paymentID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode settlement confirmation: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlementHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettlementHeader(headerValue string) (*SettlementConfirmation, error) {
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement header: %w", err)
	}
	var confirmation SettlementConfirmation
	if err := json.Unmarshal(raw, &confirmation); err != nil {
		return nil, fmt.Errorf("invalid settlement header: %w", err)
	}
	return &confirmation, nil
}
