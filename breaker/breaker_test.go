package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
	}
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())

	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %v", b.State())
	}

	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b := New(testConfig())
	failN(b, 3)

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	if err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("fn must not be invoked while circuit is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig())

	failN(b, 2)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failures, _ := b.Counts()
	if failures != 0 {
		t.Fatalf("expected failure count reset, got %d", failures)
	}

	// Two more failures must not open: the streak restarted.
	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b := New(testConfig())
	failN(b, 3)

	time.Sleep(40 * time.Millisecond)

	// Trial call fails: a single failure during trial undoes recovery.
	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed trial, got %v", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != ErrOpen {
		t.Fatalf("expected ErrOpen right after reopening, got %v", err)
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New(testConfig())
	failN(b, 3)

	time.Sleep(40 * time.Millisecond)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after first trial success, got %v", b.State())
	}

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("second trial call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", b.State())
	}
	failures, successes := b.Counts()
	if failures != 0 || successes != 0 {
		t.Fatalf("expected counters reset, got failures=%d successes=%d", failures, successes)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions [][2]State
	b := New(testConfig(), WithStateChange(func(from, to State) {
		transitions = append(transitions, [2]State{from, to})
	}))

	failN(b, 3)
	time.Sleep(40 * time.Millisecond)
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return nil })

	want := [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(transitions), transitions)
	}
	for i, tr := range want {
		if transitions[i] != tr {
			t.Fatalf("transition %d: expected %v->%v, got %v->%v", i, tr[0], tr[1], transitions[i][0], transitions[i][1])
		}
	}
}

func TestBreaker_Defaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.FailureThreshold != 5 || cfg.SuccessThreshold != 3 {
		t.Fatalf("unexpected threshold defaults: %+v", cfg)
	}
	if cfg.Timeout != 60*time.Second {
		t.Fatalf("unexpected timeout default: %v", cfg.Timeout)
	}
	if cfg.MonitoringPeriod != 10*time.Minute {
		t.Fatalf("unexpected monitoring period default: %v", cfg.MonitoringPeriod)
	}
}
