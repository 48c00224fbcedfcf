// Package breaker implements a process-local circuit breaker guarding
// calls to a failing dependency. One instance guards one dependency; all
// callers go through Execute.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute without invoking the function while the
// circuit is open.
var ErrOpen = errors.New("breaker: circuit open, calls blocked")

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures while closed
	// that opens the circuit. Defaults to 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes while
	// half-open that closes the circuit. Defaults to 3.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before allowing a trial
	// call. Defaults to 60s.
	Timeout time.Duration

	// MonitoringPeriod is accepted for interface compatibility but
	// reserved: the breaker counts consecutive failures, not failures
	// within a window.
	MonitoringPeriod time.Duration
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = 10 * time.Minute
	}
	return c
}

// Breaker is a mutex-guarded state machine, safe for use from many
// in-flight requests. It is process-local by design: each instance is
// scoped to one process, so no distributed coordination is involved.
type Breaker struct {
	mu sync.Mutex

	cfg          Config
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time

	onStateChange func(from, to State)
	now           func() time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithStateChange registers a callback invoked on every transition. The
// callback runs while the breaker lock is held and must not call back
// into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker with the given configuration.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg.WithDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn under the breaker's policy. While open and before the
// retry deadline it returns ErrOpen without invoking fn. At the deadline
// the breaker moves to half-open and lets the trial call through.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state. Used for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure and success counters.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

func (b *Breaker) recordSuccess() {
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.successCount = 0
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		// A single failure during trial undoes recovery.
		b.successCount = 0
		b.nextAttempt = b.now().Add(b.cfg.Timeout)
		b.transition(StateOpen)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.nextAttempt = b.now().Add(b.cfg.Timeout)
			b.transition(StateOpen)
		}
	}
}

// transition changes state and fires the callback. Must be called with
// the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
