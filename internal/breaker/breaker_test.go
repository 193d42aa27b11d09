package breaker

import (
	"errors"
	"testing"
	"time"
)

func failingOp(calls *int) func() error {
	return func() error {
		*calls++
		return errors.New("boom")
	}
}

func succeedingOp(calls *int) func() error {
	return func() error {
		*calls++
		return nil
	}
}

func newTestBreaker(recovery time.Duration) *Breaker {
	return New("test", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  recovery,
	})
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)
	calls := 0

	for i := 0; i < 3; i++ {
		if err := b.Call(failingOp(&calls)); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	// Next call fails fast without invoking the operation.
	err := b.Call(failingOp(&calls))
	if !errors.Is(err, ErrOpen) {
		t.Errorf("error = %v, want ErrOpen", err)
	}
	if calls != 3 {
		t.Errorf("operation invoked %d times, want 3", calls)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)
	calls := 0

	b.Call(failingOp(&calls))
	b.Call(failingOp(&calls))
	b.Call(succeedingOp(&calls))
	b.Call(failingOp(&calls))
	b.Call(failingOp(&calls))

	if b.State() != Closed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)
	calls := 0

	for i := 0; i < 3; i++ {
		b.Call(failingOp(&calls))
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	// First call after recovery is the probe; a concurrent second call is
	// rejected while the probe is in flight.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- b.Call(func() error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	if err := b.Call(succeedingOp(&calls)); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call during probe: error = %v, want ErrOpen", err)
	}
	close(probeRelease)
	if err := <-probeErr; err != nil {
		t.Fatalf("probe call: %v", err)
	}

	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want half-open after one probe success", b.State())
	}

	// Second consecutive success closes the circuit.
	if err := b.Call(succeedingOp(&calls)); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after success threshold", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	calls := 0

	for i := 0; i < 3; i++ {
		b.Call(failingOp(&calls))
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.Call(failingOp(&calls)); err == nil {
		t.Fatal("probe: expected error")
	}
	if b.State() != Open {
		t.Errorf("state = %v, want open after half-open failure", b.State())
	}

	// And it fails fast again immediately.
	if err := b.Call(failingOp(&calls)); !errors.Is(err, ErrOpen) {
		t.Errorf("error = %v, want ErrOpen", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Closed:   "closed",
		Open:     "open",
		HalfOpen: "half-open",
		State(9): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
