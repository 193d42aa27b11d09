package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit breaker state.
type State int

const (
	// Closed is normal operation; calls pass through.
	Closed State = iota
	// Open means too many consecutive failures; calls fail fast.
	Open
	// HalfOpen is probing recovery; calls pass through until the breaker
	// decides to close or re-open.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit is open and the call was not made.
// Callers can distinguish dependency-down from a bad request by checking for
// it with errors.Is.
var ErrOpen = errors.New("circuit open")

var breakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "helmsman_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
	},
	[]string{"name"},
)

func init() {
	prometheus.MustRegister(breakerState)
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close again.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe
	// call is allowed through.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker wraps calls to a flaky dependency. State bookkeeping happens under
// the mutex; the wrapped operation itself runs outside it, so concurrent
// calls are not serialized.
type Breaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenActive  int
	lastFailureTime time.Time
}

// New creates a breaker. Zero or negative config fields fall back to defaults.
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	b := &Breaker{name: name, config: config, state: Closed}
	breakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call invokes op under the breaker. If the circuit is open and the recovery
// timeout has not elapsed, it returns ErrOpen without invoking op.
func (b *Breaker) Call(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op()
	b.record(err == nil)
	return err
}

// allow checks whether a call may proceed, transitioning Open→HalfOpen when
// the recovery timeout has elapsed. While half-open, only one probe is in
// flight at a time.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailureTime) < b.config.RecoveryTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.transition(HalfOpen)
		b.halfOpenActive = 1
	case HalfOpen:
		if b.halfOpenActive > 0 {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.halfOpenActive = 1
	}
	return nil
}

// record updates breaker state after a call completes.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen && b.halfOpenActive > 0 {
		b.halfOpenActive--
	}

	if success {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}

	b.lastFailureTime = time.Now()
	switch b.state {
	case HalfOpen:
		// Any half-open failure re-opens immediately.
		b.transition(Open)
	case Closed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(Open)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.failures = 0
	b.successes = 0
	breakerState.WithLabelValues(b.name).Set(float64(to))
}
