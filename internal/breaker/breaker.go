// Package breaker implements a count-based circuit breaker with guarded
// call execution and concurrent fan-out aggregation. One Breaker protects
// one logical backend; the gateway owns one Breaker per backend.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fusegate/fusegate/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls are admitted.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single trial call tests recovery.
)

// String returns the state name as exposed in status payloads.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors returned by Admit and Do. Callers match them with
// errors.Is to distinguish a rejected call from a slow or failed one.
var (
	// ErrOpen is returned when the breaker rejects a call without
	// attempting it.
	ErrOpen = errors.New("circuit breaker open")

	// ErrCallTimeout is returned when an admitted operation exceeds the
	// breaker's call timeout.
	ErrCallTimeout = errors.New("call timed out")
)

// Settings configures a Breaker.
type Settings struct {
	// Name identifies the protected backend in logs, metrics, and status.
	Name string

	// MaxFailures is the number of consecutive failures in the closed
	// state that trips the breaker open.
	MaxFailures int

	// CallTimeout bounds each admitted call; slower calls are recorded
	// as failures.
	CallTimeout time.Duration

	// ResetTimeout is how long the breaker stays open before the next
	// Admit is granted as a half-open trial.
	ResetTimeout time.Duration
}

// Status is a read-only snapshot of a breaker, consumed by the health
// and admin endpoints.
type Status struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Breaker is a count-based circuit breaker. It starts closed, opens after
// MaxFailures consecutive failures, and after ResetTimeout admits a single
// half-open trial call. A successful trial closes it; a failed trial
// reopens it and restarts the reset window.
//
// The open→half-open transition happens lazily inside Admit by comparing
// against the reset deadline; there is no background timer, which keeps
// transitions deterministic under a mocked clock.
type Breaker struct {
	mu sync.Mutex

	name         string
	maxFailures  int
	callTimeout  time.Duration
	resetTimeout time.Duration

	state    State
	failures int
	openedAt time.Time
	probing  bool // a half-open trial is in flight

	now    func() time.Time
	logger *slog.Logger
}

// New creates a closed Breaker with the given settings. Zero or negative
// settings fall back to the defaults used by the demo topology
// (3 failures, 2s call timeout, 5s reset timeout).
func New(cfg Settings, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		callTimeout:  cfg.CallTimeout,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
		now:          time.Now,
		logger:       logger,
	}
}

// Admit reports whether a call may proceed. It returns nil when the call
// is admitted and an error wrapping ErrOpen when it must be rejected.
// When the breaker is open and the reset deadline has elapsed, Admit
// transitions to half-open and grants the caller the single trial slot;
// concurrent admits during the trial are rejected.
func (b *Breaker) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return fmt.Errorf("breaker %q: %w", b.name, ErrOpen)
		}
		b.transitionTo(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			// Only one trial at a time; everyone else is rejected as
			// if the circuit were still open.
			return fmt.Errorf("breaker %q: %w", b.name, ErrOpen)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// ReportSuccess records a successful outcome for an admitted call.
// A successful half-open trial closes the breaker; in the closed state
// the failure streak resets to zero.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.transitionTo(StateClosed)
	case StateOpen:
		// A report after rejection should not occur; ignore it rather
		// than corrupting the open-state bookkeeping.
	}
}

// ReportFailure records a failed outcome for an admitted call. A failed
// half-open trial reopens the breaker and restarts the reset window; in
// the closed state the failure count increments and trips the breaker
// once it reaches MaxFailures.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.transitionTo(StateOpen)
	case StateOpen:
		// Ignored, same as ReportSuccess.
	}
}

// Abandon releases an admitted call that exited without an outcome
// (caller cancellation). It frees the half-open trial slot so a
// cancelled probe cannot wedge the breaker; no outcome is recorded.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name returns the breaker's backend name.
func (b *Breaker) Name() string {
	return b.name
}

// CallTimeout returns the configured per-call timeout.
func (b *Breaker) CallTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callTimeout
}

// Status returns a snapshot for status reporting.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:     b.name,
		State:    b.state.String(),
		Failures: b.failures,
	}
}

// Reset forces the breaker back to closed. Used by tests and the admin
// surface; normal operation never calls it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.transitionTo(StateClosed)
}

// UpdateSettings applies new thresholds and timeouts at runtime (config
// hot-reload). The current state and failure streak are preserved.
func (b *Breaker) UpdateSettings(cfg Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.MaxFailures > 0 {
		b.maxFailures = cfg.MaxFailures
	}
	if cfg.CallTimeout > 0 {
		b.callTimeout = cfg.CallTimeout
	}
	if cfg.ResetTimeout > 0 {
		b.resetTimeout = cfg.ResetTimeout
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.failures = 0
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.failures = 0
	}
}
