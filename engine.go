package x402gate

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/payward/x402gate/breaker"
	"github.com/payward/x402gate/nonce"
	"github.com/payward/x402gate/ratelimit"
)

// Outcome is the terminal state of one request through the engine.
type Outcome int

const (
	// OutcomeAdmitted releases the protected resource.
	OutcomeAdmitted Outcome = iota

	// OutcomeChallenged answers with 402 and fresh payment terms.
	OutcomeChallenged

	// OutcomeRejected denies the request without offering terms
	// (rate limited or hard-blocked).
	OutcomeRejected

	// OutcomeInternalError signals an engine fault, surfaced as a 5xx
	// because it is not a payment-protocol outcome.
	OutcomeInternalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeChallenged:
		return "challenged"
	case OutcomeRejected:
		return "rejected"
	case OutcomeInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Request is the host-supplied view of an inbound request. The engine is
// transport-agnostic: adapters under pkg/ translate framework requests
// into this shape.
type Request struct {
	Method string
	Path   string

	// ClientIP keys the rate limiter's IP scope.
	ClientIP string

	// PaymentHeader is the raw X-PAYMENT value, empty if absent.
	PaymentHeader string
}

// Decision is the engine's answer for one request. Reason is internal
// observability detail and must never be written to the wire.
type Decision struct {
	Outcome   Outcome
	Status    int
	Headers   map[string]string
	Body      []byte
	PaymentID string
	Reason    string
}

// Engine is the per-request protocol state machine. It is safe for
// concurrent use: in-flight requests share no mutable state except
// through the cache-backed subsystems.
type Engine struct {
	cfg         Config
	defaults    Terms
	binder      *ResourceBinder
	challenges  *ChallengeGenerator
	nonces      *nonce.Store
	limiter     *ratelimit.Limiter
	breaker     *breaker.Breaker
	facilitator FacilitatorClient
	observer    Observer
	skipGlobs   []*regexp.Regexp
	log         *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithBinder sets the resource binder. Without one, every path gets the
// engine-wide default terms.
func WithBinder(b *ResourceBinder) EngineOption {
	return func(e *Engine) { e.binder = b }
}

// WithRateLimiter enables the request pre-check.
func WithRateLimiter(l *ratelimit.Limiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithObserver registers the host's payment observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the engine's logger.
func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithBreaker substitutes the settlement-service circuit breaker. Mainly
// useful in tests; by default the engine builds one from the config.
func WithBreaker(b *breaker.Breaker) EngineOption {
	return func(e *Engine) { e.breaker = b }
}

// NewEngine validates the configuration and wires the state machine.
func NewEngine(cfg Config, client FacilitatorClient, nonces *nonce.Store, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	defaultAmount, err := cfg.MaxAmountRequired()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("engine: facilitator client is required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("engine: nonce store is required")
	}

	e := &Engine{
		cfg: cfg,
		defaults: Terms{
			Amount:   defaultAmount,
			Currency: cfg.Payment.Currency,
		},
		nonces:      nonces,
		facilitator: client,
		observer:    NopObserver{},
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.binder == nil {
		e.binder = NewResourceBinder()
	}
	e.challenges = NewChallengeGenerator(nonces, cfg)
	if e.breaker == nil {
		e.breaker = breaker.New(cfg.CircuitBreaker, breaker.WithStateChange(func(from, to breaker.State) {
			breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			e.log.Warn("settlement breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}))
	}
	for _, pattern := range cfg.Middleware.SkipPaths {
		e.skipGlobs = append(e.skipGlobs, compileGlob(pattern))
	}
	return e, nil
}

// Breaker exposes the settlement-service breaker for health reporting.
func (e *Engine) Breaker() *breaker.Breaker { return e.breaker }

// Process runs one request through the protocol state machine.
func (e *Engine) Process(ctx context.Context, req Request) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine fault",
				zap.String("path", req.Path),
				zap.Any("panic", r))
			decision = Decision{
				Outcome: OutcomeInternalError,
				Status:  http.StatusInternalServerError,
				Body:    []byte(`{"error":"internal_error"}`),
				Reason:  fmt.Sprintf("panic: %v", r),
			}
			requestsTotal.WithLabelValues(decision.Outcome.String()).Inc()
		}
	}()

	decision = e.process(ctx, req)
	requestsTotal.WithLabelValues(decision.Outcome.String()).Inc()
	return decision
}

func (e *Engine) process(ctx context.Context, req Request) Decision {
	path := NormalizePath(req.Path)

	// Skip-listed paths are admitted with zero cache or settlement
	// interaction.
	for _, glob := range e.skipGlobs {
		if glob.MatchString(path) {
			return Decision{Outcome: OutcomeAdmitted, Status: http.StatusOK}
		}
	}

	if d, limited := e.rateLimit(ctx, req, path); limited {
		return d
	}

	terms := e.defaults
	if override, ok := e.binder.Resolve(path); ok {
		terms = override.merge(e.defaults)
	}

	payload, err := DecodePayload(req.PaymentHeader)
	if err != nil {
		reason := ReasonNoPayment
		if req.PaymentHeader != "" {
			reason = ReasonMalformedPayment
		}
		return e.challenge(path, terms, reason, nil)
	}

	if reason := e.validateLocal(payload, terms); reason != "" {
		return e.challenge(path, terms, reason, payload)
	}

	validation := e.nonces.ValidateAndConsume(ctx, payload.From, payload.Nonce, e.cfg.Payment.NonceMaxAge)
	if !validation.Valid {
		return e.challenge(path, terms, validation.Reason, payload)
	}

	requirements := e.reconstructRequirements(path, terms, payload.Nonce)
	started := time.Now()

	verify, reason := e.verify(ctx, payload, requirements)
	if reason != "" {
		return e.challenge(path, terms, reason, payload)
	}

	settle, reason := e.settle(ctx, verify.PaymentID)
	if reason != "" {
		return e.challenge(path, terms, reason, payload)
	}
	settlementDuration.Observe(time.Since(started).Seconds())

	header, err := EncodeSettlementHeader(verify.PaymentID, "settled")
	if err != nil {
		return Decision{
			Outcome: OutcomeInternalError,
			Status:  http.StatusInternalServerError,
			Body:    []byte(`{"error":"internal_error"}`),
			Reason:  err.Error(),
		}
	}

	if e.cfg.Middleware.EnableLogging {
		e.log.Debug("payment admitted",
			zap.String("path", path),
			zap.String("paymentId", verify.PaymentID),
			zap.String("finalAmount", settle.FinalAmount))
	}
	notify(e.log, "onPaymentVerified", func() {
		e.observer.OnPaymentVerified(VerifiedEvent{
			Resource:  path,
			PaymentID: verify.PaymentID,
			Payload:   *payload,
			Timestamp: time.Now(),
		})
	})

	return Decision{
		Outcome:   OutcomeAdmitted,
		Status:    http.StatusOK,
		Headers:   map[string]string{HeaderPaymentResponse: header},
		PaymentID: verify.PaymentID,
	}
}

// rateLimit consults the hard-block list and the window counter. Both
// fail open inside the limiter; only an explicit denial rejects here.
func (e *Engine) rateLimit(ctx context.Context, req Request, path string) (Decision, bool) {
	if e.limiter == nil || !e.cfg.RateLimit.Enabled || req.ClientIP == "" {
		return Decision{}, false
	}

	reject := Decision{
		Outcome: OutcomeRejected,
		Status:  http.StatusTooManyRequests,
		Body:    []byte(`{"error":"rate_limited"}`),
		Reason:  ReasonRateLimited,
	}

	if e.limiter.IsBlocked(ctx, ratelimit.ScopeIP, req.ClientIP) {
		return reject, true
	}

	result := e.limiter.Check(ctx, ratelimit.ScopeIP, req.ClientIP, ratelimit.Config{
		MaxRequests:   e.cfg.RateLimit.MaxRequests,
		Window:        e.cfg.RateLimit.Window,
		BlockDuration: e.cfg.RateLimit.BlockDuration,
	})
	if !result.Allowed {
		if e.cfg.Middleware.EnableLogging {
			e.log.Debug("request rate limited",
				zap.String("ip", req.ClientIP),
				zap.String("path", path),
				zap.Int64("hits", result.TotalHits))
		}
		return reject, true
	}
	return Decision{}, false
}

// validateLocal runs the structural checks that never need the cache or
// the network. Returns an internal reason code, or "" when the payload
// passes.
func (e *Engine) validateLocal(p *PaymentPayload, terms Terms) string {
	if p.Scheme != SchemeExact {
		return ReasonSchemeMismatch
	}
	if p.Asset != terms.Currency {
		return ReasonAssetMismatch
	}
	if !strings.EqualFold(p.To, e.cfg.Payment.ReceiverAddress) {
		return ReasonRecipientMismatch
	}

	offered, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return ReasonMalformedPayment
	}
	required, ok := new(big.Int).SetString(terms.Amount, 10)
	if !ok {
		return ReasonMalformedPayment
	}
	if offered.Cmp(required) < 0 {
		return ReasonAmountBelowFloor
	}

	// Terms are reconstructed from the nonce: its embedded issue time plus
	// the configured expiration bounds validity.
	issued, ok := nonce.Timestamp(p.Nonce)
	if !ok {
		return nonce.ReasonTimestampInvalid
	}
	if time.Now().After(issued.Add(e.cfg.Payment.NonceExpiration)) {
		return ReasonTermsExpired
	}
	return ""
}

// reconstructRequirements rebuilds the terms issued with the payload's
// nonce. Requirements are never persisted; the nonce plus configuration
// is sufficient to recover them.
func (e *Engine) reconstructRequirements(path string, terms Terms, token string) PaymentRequirements {
	validUntil := time.Now().Add(e.cfg.Payment.NonceExpiration).UnixMilli()
	if issued, ok := nonce.Timestamp(token); ok {
		validUntil = issued.Add(e.cfg.Payment.NonceExpiration).UnixMilli()
	}
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           e.cfg.Payment.NetworkName,
		MaxAmountRequired: terms.Amount,
		Asset:             terms.Currency,
		PayTo:             e.cfg.Payment.ReceiverAddress,
		Resource:          path,
		Nonce:             token,
		ValidUntil:        validUntil,
	}
}

func (e *Engine) verify(ctx context.Context, payload *PaymentPayload, requirements PaymentRequirements) (*VerifyResult, string) {
	var result *VerifyResult
	err := e.breaker.Execute(func() error {
		var callErr error
		result, callErr = e.facilitator.Verify(ctx, *payload, requirements)
		return callErr
	})
	if err == breaker.ErrOpen {
		e.log.Warn("verify skipped, circuit open", zap.String("resource", requirements.Resource))
		return nil, ReasonCircuitOpen
	}
	if err != nil {
		e.log.Warn("verify call failed", zap.Error(err))
		return nil, ReasonDependencyError
	}
	if !result.Valid {
		e.log.Debug("verify rejected payment", zap.String("reason", result.Reason))
		return nil, ReasonVerifyRejected
	}
	return result, ""
}

func (e *Engine) settle(ctx context.Context, paymentID string) (*SettleResult, string) {
	var result *SettleResult
	err := e.breaker.Execute(func() error {
		var callErr error
		result, callErr = e.facilitator.Settle(ctx, paymentID, "")
		return callErr
	})
	if err == breaker.ErrOpen {
		return nil, ReasonCircuitOpen
	}
	if err != nil {
		e.log.Warn("settle call failed", zap.String("paymentId", paymentID), zap.Error(err))
		return nil, ReasonDependencyError
	}
	if !result.Settled {
		return nil, ReasonSettleRejected
	}
	return result, ""
}

// challenge mints fresh terms and builds the uniform 402 decision. Every
// local and remote failure funnels here so the wire response never
// distinguishes why a payment was refused.
func (e *Engine) challenge(path string, terms Terms, reason string, payload *PaymentPayload) Decision {
	requirements, err := e.challenges.Generate(path, terms)
	if err != nil {
		return Decision{
			Outcome: OutcomeInternalError,
			Status:  http.StatusInternalServerError,
			Body:    []byte(`{"error":"internal_error"}`),
			Reason:  err.Error(),
		}
	}

	header, err := EncodeRequirements(*requirements)
	if err != nil {
		return Decision{
			Outcome: OutcomeInternalError,
			Status:  http.StatusInternalServerError,
			Body:    []byte(`{"error":"internal_error"}`),
			Reason:  err.Error(),
		}
	}
	body, err := MarshalBody(*requirements)
	if err != nil {
		return Decision{
			Outcome: OutcomeInternalError,
			Status:  http.StatusInternalServerError,
			Body:    []byte(`{"error":"internal_error"}`),
			Reason:  err.Error(),
		}
	}

	headers := map[string]string{HeaderPaymentRequired: header}
	for k, v := range e.cfg.Middleware.CustomHeaders {
		headers[k] = v
	}

	challengesTotal.WithLabelValues(reason).Inc()
	if e.cfg.Middleware.EnableLogging {
		e.log.Debug("payment challenged",
			zap.String("path", path),
			zap.String("reason", reason))
	}

	notify(e.log, "onPaymentRequired", func() {
		e.observer.OnPaymentRequired(ChallengeEvent{
			Resource:     path,
			Requirements: *requirements,
			Reason:       reason,
			Timestamp:    time.Now(),
		})
	})
	if payload != nil {
		notify(e.log, "onPaymentFailed", func() {
			e.observer.OnPaymentFailed(FailureEvent{
				Resource:  path,
				Reason:    reason,
				Timestamp: time.Now(),
			})
		})
	}

	return Decision{
		Outcome: OutcomeChallenged,
		Status:  http.StatusPaymentRequired,
		Headers: headers,
		Body:    body,
		Reason:  reason,
	}
}
