// Package facilitator is the client facade for the external settlement
// service: it translates protocol-level verification and settlement
// requests into authenticated HTTPS calls and classifies failures.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	x402gate "github.com/payward/x402gate"
)

var callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "x402_facilitator_calls_total",
	Help: "Facilitator calls by operation and result kind (ok or failure kind).",
}, []string{"op", "kind"})

// AuthProvider mints the bearer credential attached to each facilitator
// call. Implementations typically wrap a short-lived token signer; a
// static API key satisfies the interface for simple deployments.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticAPIKey is an AuthProvider that always returns the same key.
type StaticAPIKey string

func (k StaticAPIKey) Token(context.Context) (string, error) { return string(k), nil }

// Config configures the facilitator client.
type Config struct {
	// URL is the base URL of the settlement service.
	URL string

	// AuthProvider mints bearer credentials. Required.
	AuthProvider AuthProvider

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout bounds each call. Defaults to 30s.
	Timeout time.Duration

	// RetryAttempts bounds retries of verify on 429. Defaults to 3.
	RetryAttempts int

	// Logger is optional; nil means no logging.
	Logger *zap.Logger
}

// Client talks to the settlement service. It implements
// x402gate.FacilitatorClient.
type Client struct {
	url           string
	httpClient    *http.Client
	auth          AuthProvider
	retryAttempts int
	log           *zap.Logger
}

var _ x402gate.FacilitatorClient = (*Client)(nil)

// retryBaseDelay is the base for exponential backoff on 429 retries.
const retryBaseDelay = 1 * time.Second

// NewClient creates a facilitator client.
func NewClient(cfg *Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := cfg.RetryAttempts
	if retries <= 0 {
		retries = 3
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:           strings.TrimRight(cfg.URL, "/"),
		httpClient:    httpClient,
		auth:          cfg.AuthProvider,
		retryAttempts: retries,
		log:           log,
	}
}

type verifyRequest struct {
	PaymentPayload x402gate.PaymentPayload     `json:"paymentPayload"`
	Requirements   x402gate.PaymentRequirements `json:"requirements"`
}

type settleRequest struct {
	PaymentID   string `json:"paymentId"`
	FinalAmount string `json:"finalAmount,omitempty"`
}

// Verify asks the settlement service whether the signed authorization is
// valid for the given terms. Verification is idempotent on the service
// side, so 429 responses are retried with exponential backoff.
func (c *Client) Verify(ctx context.Context, payload x402gate.PaymentPayload, requirements x402gate.PaymentRequirements) (*x402gate.VerifyResult, error) {
	body, err := json.Marshal(verifyRequest{PaymentPayload: payload, Requirements: requirements})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		var result x402gate.VerifyResult
		status, err := c.post(ctx, "verify", body, &result)
		if err == nil {
			callsTotal.WithLabelValues("verify", "ok").Inc()
			return &result, nil
		}
		lastErr = err

		if status == http.StatusTooManyRequests && attempt < c.retryAttempts-1 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, &CallError{Op: "verify", Kind: KindTimeout, Err: ctx.Err()}
			}
		}
		break
	}
	return nil, wrapCall("verify", lastErr)
}

// Settle instructs the settlement service to execute a verified payment.
// Settlement is not retried: a duplicate settle could double-spend.
func (c *Client) Settle(ctx context.Context, paymentID, finalAmount string) (*x402gate.SettleResult, error) {
	body, err := json.Marshal(settleRequest{PaymentID: paymentID, FinalAmount: finalAmount})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	var result x402gate.SettleResult
	if _, err := c.post(ctx, "settle", body, &result); err != nil {
		return nil, wrapCall("settle", err)
	}
	callsTotal.WithLabelValues("settle", "ok").Inc()
	return &result, nil
}

// post performs one authenticated POST and decodes a 200 response into
// out. It returns the HTTP status (0 for transport errors) alongside any
// error so callers can decide about retries.
func (c *Client) post(ctx context.Context, endpoint string, body []byte, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &CallError{Op: endpoint, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	token, err := c.auth.Token(ctx)
	if err != nil {
		return 0, &CallError{Op: endpoint, Kind: KindAPIKeyInvalid, Err: fmt.Errorf("failed to mint credential: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &CallError{Op: endpoint, Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &CallError{Op: endpoint, Kind: KindNetworkError, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &CallError{
			Op:     endpoint,
			Kind:   classifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(responseBody))),
		}
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return resp.StatusCode, &CallError{Op: endpoint, Kind: KindUnknown, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

// wrapCall records the failure metric and logs before returning the
// typed error.
func wrapCall(op string, err error) error {
	kind := KindUnknown
	if callErr, ok := err.(*CallError); ok {
		kind = callErr.Kind
	}
	callsTotal.WithLabelValues(op, string(kind)).Inc()
	return err
}
