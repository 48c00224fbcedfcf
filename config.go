package x402gate

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payward/x402gate/breaker"
)

var receiverAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// PaymentConfig describes the default payment terms for protected resources.
type PaymentConfig struct {
	// Amount is the price in human units as a decimal string, e.g. "0.01".
	Amount string

	// Currency is the asset symbol offered in the terms, e.g. "USDC".
	Currency string

	// Decimals scales Amount into smallest units. Defaults to 6.
	Decimals int

	// NetworkName identifies the chain/network in issued terms.
	NetworkName string

	// ChainID is informational, carried for hosts that log it.
	ChainID int64

	// ReceiverAddress is the payTo recipient, a 0x-prefixed hex address.
	ReceiverAddress string

	// NonceExpiration bounds how long issued terms stay valid.
	// Defaults to 15 minutes.
	NonceExpiration time.Duration

	// NonceMaxAge is the replay-record TTL and the hard age limit a nonce
	// may reach before consumption. Defaults to 30 minutes.
	NonceMaxAge time.Duration
}

// FacilitatorConfig configures access to the external settlement service.
type FacilitatorConfig struct {
	APIURL        string
	APIKey        string
	Timeout       time.Duration // per-call timeout, defaults to 30s
	RetryAttempts int           // retries on 429 for verify, defaults to 3
}

// MiddlewareConfig holds host-facing behavior of the engine.
type MiddlewareConfig struct {
	// SkipPaths lists paths admitted without any payment processing.
	// Entries may be exact paths or globs (* within a segment, ** across).
	SkipPaths []string

	// EnableLogging turns on per-request debug logging.
	EnableLogging bool

	// CustomHeaders are attached to every challenge response.
	CustomHeaders map[string]string
}

// RateLimitConfig configures the optional request pre-check.
type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

// Config is the full engine configuration supplied by the host.
type Config struct {
	Payment        PaymentConfig
	Facilitator    FacilitatorConfig
	Middleware     MiddlewareConfig
	CircuitBreaker breaker.Config
	RateLimit      RateLimitConfig
}

// Validate rejects configurations that cannot produce a working engine.
// Called at construction time so misconfiguration fails fast, not on the
// first paid request.
func (c *Config) Validate() error {
	if c.Payment.Amount == "" {
		return fmt.Errorf("config: payment.amount is required")
	}
	amount, err := decimal.NewFromString(c.Payment.Amount)
	if err != nil {
		return fmt.Errorf("config: payment.amount %q is not numeric: %w", c.Payment.Amount, err)
	}
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("config: payment.amount must be positive, got %q", c.Payment.Amount)
	}
	if c.Payment.Currency == "" {
		return fmt.Errorf("config: payment.currency is required")
	}
	if c.Payment.ReceiverAddress == "" {
		return fmt.Errorf("config: payment.receiverAddress is required")
	}
	if !receiverAddressRegex.MatchString(c.Payment.ReceiverAddress) {
		return fmt.Errorf("config: payment.receiverAddress %q is malformed", c.Payment.ReceiverAddress)
	}
	if c.Facilitator.APIURL == "" {
		return fmt.Errorf("config: facilitator.apiUrl is required")
	}
	u, err := url.Parse(c.Facilitator.APIURL)
	if err != nil {
		return fmt.Errorf("config: facilitator.apiUrl is not parsable: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: facilitator.apiUrl %q must be absolute", c.Facilitator.APIURL)
	}
	if c.Facilitator.APIKey == "" {
		return fmt.Errorf("config: facilitator.apiKey is required")
	}
	return nil
}

// MaxAmountRequired returns the default price in smallest units, scaled by
// Decimals. Validate must have passed first.
func (c *Config) MaxAmountRequired() (string, error) {
	amount, err := decimal.NewFromString(c.Payment.Amount)
	if err != nil {
		return "", fmt.Errorf("config: payment.amount %q is not numeric: %w", c.Payment.Amount, err)
	}
	scaled := amount.Shift(int32(c.decimals())).Truncate(0)
	if scaled.IsZero() {
		return "", fmt.Errorf("config: payment.amount %q rounds to zero at %d decimals", c.Payment.Amount, c.decimals())
	}
	return scaled.String(), nil
}

func (c *Config) decimals() int {
	if c.Payment.Decimals <= 0 {
		return 6
	}
	return c.Payment.Decimals
}

// withDefaults returns a copy with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.Payment.Decimals <= 0 {
		c.Payment.Decimals = 6
	}
	if c.Payment.NonceExpiration <= 0 {
		c.Payment.NonceExpiration = 15 * time.Minute
	}
	if c.Payment.NonceMaxAge <= 0 {
		c.Payment.NonceMaxAge = 30 * time.Minute
	}
	if c.Payment.NetworkName == "" {
		c.Payment.NetworkName = "base-sepolia"
	}
	if c.Facilitator.Timeout <= 0 {
		c.Facilitator.Timeout = 30 * time.Second
	}
	if c.Facilitator.RetryAttempts <= 0 {
		c.Facilitator.RetryAttempts = 3
	}
	c.CircuitBreaker = c.CircuitBreaker.WithDefaults()
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			c.RateLimit.MaxRequests = 100
		}
		if c.RateLimit.Window <= 0 {
			c.RateLimit.Window = time.Minute
		}
	}
	return c
}
