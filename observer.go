package x402gate

import (
	"time"

	"go.uber.org/zap"
)

// ChallengeEvent is emitted when the engine issues a 402 challenge.
type ChallengeEvent struct {
	Resource     string
	Requirements PaymentRequirements
	Reason       string
	Timestamp    time.Time
}

// VerifiedEvent is emitted after a payment is verified, settled, and the
// request admitted.
type VerifiedEvent struct {
	Resource  string
	PaymentID string
	Payload   PaymentPayload
	Timestamp time.Time
}

// FailureEvent is emitted when an offered payment is rejected for any
// local or remote reason.
type FailureEvent struct {
	Resource  string
	Reason    string
	Err       error
	Timestamp time.Time
}

// Observer receives protocol transitions. Observers run synchronously
// after the transition; an observer panic or error never affects the
// protocol outcome.
type Observer interface {
	OnPaymentRequired(ChallengeEvent)
	OnPaymentVerified(VerifiedEvent)
	OnPaymentFailed(FailureEvent)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) OnPaymentRequired(ChallengeEvent) {}
func (NopObserver) OnPaymentVerified(VerifiedEvent)  {}
func (NopObserver) OnPaymentFailed(FailureEvent)     {}

// Observers fans out events to multiple observers in order.
type Observers []Observer

func (o Observers) OnPaymentRequired(ev ChallengeEvent) {
	for _, obs := range o {
		obs.OnPaymentRequired(ev)
	}
}

func (o Observers) OnPaymentVerified(ev VerifiedEvent) {
	for _, obs := range o {
		obs.OnPaymentVerified(ev)
	}
}

func (o Observers) OnPaymentFailed(ev FailureEvent) {
	for _, obs := range o {
		obs.OnPaymentFailed(ev)
	}
}

// notify runs an observer callback, swallowing panics so a misbehaving
// observer cannot change a protocol decision.
func notify(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("observer panicked", zap.String("hook", name), zap.Any("panic", r))
		}
	}()
	fn()
}
