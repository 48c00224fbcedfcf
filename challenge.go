package x402gate

import (
	"fmt"
	"time"
)

// defaultNonceLength is the token length requested from the nonce source.
const defaultNonceLength = 32

// NonceSource mints single-use challenge tokens. Generation is local and
// never touches the shared cache; only consumption does.
type NonceSource interface {
	Generate(length int) (string, error)
}

// ChallengeGenerator builds the immutable payment terms for a 402
// response. Every call mints a fresh nonce; terms are never reused across
// challenges, even for the same resource and client.
type ChallengeGenerator struct {
	nonces          NonceSource
	scheme          string
	network         string
	payTo           string
	nonceExpiration time.Duration
}

// NewChallengeGenerator wires a generator from engine configuration.
func NewChallengeGenerator(nonces NonceSource, cfg Config) *ChallengeGenerator {
	cfg = cfg.withDefaults()
	return &ChallengeGenerator{
		nonces:          nonces,
		scheme:          SchemeExact,
		network:         cfg.Payment.NetworkName,
		payTo:           cfg.Payment.ReceiverAddress,
		nonceExpiration: cfg.Payment.NonceExpiration,
	}
}

// Generate mints terms for a resource path with the given merged terms.
func (g *ChallengeGenerator) Generate(resourcePath string, t Terms) (*PaymentRequirements, error) {
	token, err := g.nonces.Generate(defaultNonceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to mint challenge nonce: %w", err)
	}
	return &PaymentRequirements{
		Scheme:            g.scheme,
		Network:           g.network,
		MaxAmountRequired: t.Amount,
		Asset:             t.Currency,
		PayTo:             g.payTo,
		Resource:          NormalizePath(resourcePath),
		Nonce:             token,
		ValidUntil:        time.Now().Add(g.nonceExpiration).UnixMilli(),
	}, nil
}
