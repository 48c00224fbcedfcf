package echo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402gate "github.com/payward/x402gate"
	"github.com/payward/x402gate/cache"
	"github.com/payward/x402gate/nonce"
)

type stubFacilitator struct{}

func (stubFacilitator) Verify(context.Context, x402gate.PaymentPayload, x402gate.PaymentRequirements) (*x402gate.VerifyResult, error) {
	return &x402gate.VerifyResult{Valid: true, PaymentID: "pay_echo"}, nil
}

func (stubFacilitator) Settle(context.Context, string, string) (*x402gate.SettleResult, error) {
	return &x402gate.SettleResult{Settled: true, FinalAmount: "10000"}, nil
}

func TestPaymentMiddleware_ChallengeThenAdmit(t *testing.T) {
	engine, err := x402gate.NewEngine(x402gate.Config{
		Payment: x402gate.PaymentConfig{
			Amount:          "0.01",
			Currency:        "USDC",
			ReceiverAddress: "0x2222222222222222222222222222222222222222",
		},
		Facilitator: x402gate.FacilitatorConfig{
			APIURL: "https://facilitator.example.com",
			APIKey: "test-key",
		},
	}, stubFacilitator{}, nonce.NewStore(cache.NewMemory()))
	require.NoError(t, err)

	e := echo.New()
	e.Use(PaymentMiddleware(engine))
	e.GET("/premium/report", func(c echo.Context) error {
		return c.String(http.StatusOK, "premium content")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium/report", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	terms, err := x402gate.DecodeRequirements(rec.Header().Get(x402gate.HeaderPaymentRequired))
	require.NoError(t, err)

	raw, err := json.Marshal(x402gate.PaymentPayload{
		Scheme:    x402gate.SchemeExact,
		TxHash:    "0xpending",
		From:      "0x1111111111111111111111111111111111111111",
		To:        terms.PayTo,
		Value:     terms.MaxAmountRequired,
		Asset:     terms.Asset,
		Nonce:     terms.Nonce,
		Signature: "0xsigned",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/premium/report", nil)
	req.Header.Set(x402gate.HeaderPayment, base64.StdEncoding.EncodeToString(raw))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "premium content", rec.Body.String())

	confirmation, err := x402gate.DecodeSettlementHeader(rec.Header().Get(x402gate.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "pay_echo", confirmation.PaymentID)
}
