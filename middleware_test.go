package x402gate

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_ChallengeThenAdmit(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeFacilitator())

	var served bool
	handler := e.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served = true
		w.Write([]byte("premium content"))
	}))

	// First pass: no payment, handler must not run.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/premium/report", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if served {
		t.Fatal("handler ran without payment")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("challenge content type: %s", rec.Header().Get("Content-Type"))
	}
	challenge := rec.Header().Get(HeaderPaymentRequired)
	if challenge == "" {
		t.Fatal("challenge header missing")
	}
	terms, err := DecodeRequirements(challenge)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}

	// Second pass: answer the challenge.
	payment := encodePayload(t, PaymentPayload{
		Scheme:    SchemeExact,
		TxHash:    "0xpending",
		From:      testPayer,
		To:        terms.PayTo,
		Value:     terms.MaxAmountRequired,
		Asset:     terms.Asset,
		Nonce:     terms.Nonce,
		Signature: "0xsigned",
	})
	req := httptest.NewRequest("GET", "/premium/report", nil)
	req.Header.Set(HeaderPayment, payment)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !served {
		t.Fatal("handler did not run on admission")
	}
	if rec.Body.String() != "premium content" {
		t.Fatalf("wrong body: %s", rec.Body.String())
	}
	if _, err := DecodeSettlementHeader(rec.Header().Get(HeaderPaymentResponse)); err != nil {
		t.Fatalf("settlement header must decode: %v", err)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		remote    string
		forwarded string
		want      string
	}{
		{"10.0.0.1:52100", "", "10.0.0.1"},
		{"10.0.0.1:52100", "203.0.113.7", "203.0.113.7"},
		{"10.0.0.1:52100", "203.0.113.7,198.51.100.2", "203.0.113.7"},
		{"[::1]:52100", "", "[::1]"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tc.remote
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if got := clientIP(req); got != tc.want {
			t.Errorf("clientIP(%q, fwd %q) = %q, want %q", tc.remote, tc.forwarded, got, tc.want)
		}
	}
}
