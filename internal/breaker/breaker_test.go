package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// newTestBreaker returns a breaker on a manual clock; advance the
// returned time pointer to move the reset window.
func newTestBreaker(t *testing.T, cfg Settings) (*Breaker, *time.Time) {
	t.Helper()
	b := New(cfg, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	b.now = func() time.Time { return *clock }
	return b, clock
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	b := New(Settings{Name: "svc"}, nil)
	if b.maxFailures != 3 {
		t.Errorf("default maxFailures = %d, want 3", b.maxFailures)
	}
	if b.callTimeout != 2*time.Second {
		t.Errorf("default callTimeout = %v, want 2s", b.callTimeout)
	}
	if b.resetTimeout != 5*time.Second {
		t.Errorf("default resetTimeout = %v, want 5s", b.resetTimeout)
	}
	if b.State() != StateClosed {
		t.Errorf("new breaker state = %v, want CLOSED", b.State())
	}
}

func TestTripsAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 3})

	for i := 0; i < 2; i++ {
		if err := b.Admit(); err != nil {
			t.Fatalf("Admit %d: unexpected rejection: %v", i, err)
		}
		b.ReportFailure()
		if b.State() != StateClosed {
			t.Fatalf("after %d failures state = %v, want CLOSED", i+1, b.State())
		}
	}

	if err := b.Admit(); err != nil {
		t.Fatalf("Admit before trip: %v", err)
	}
	b.ReportFailure()

	if b.State() != StateOpen {
		t.Fatalf("after 3 failures state = %v, want OPEN", b.State())
	}
	if err := b.Admit(); !errors.Is(err, ErrOpen) {
		t.Errorf("Admit while open = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 3})

	// Interleave failures with a success; the flat counter means the
	// breaker never reaches three in a row.
	outcomes := []bool{false, false, true, false, false, true, false}
	for i, ok := range outcomes {
		if err := b.Admit(); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
		if ok {
			b.ReportSuccess()
		} else {
			b.ReportFailure()
		}
	}

	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
	if got := b.FailureCount(); got != 1 {
		t.Errorf("failure count = %d, want 1", got)
	}
}

func TestOpenRejectsUntilResetTimeout(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: 5 * time.Second})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	*clock = clock.Add(4999 * time.Millisecond)
	if err := b.Admit(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Admit inside reset window = %v, want ErrOpen", err)
	}

	*clock = clock.Add(1 * time.Millisecond)
	if err := b.Admit(); err != nil {
		t.Fatalf("Admit at reset deadline = %v, want trial admission", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state after trial admission = %v, want HALF_OPEN", b.State())
	}
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: time.Second})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	*clock = clock.Add(time.Second)

	if err := b.Admit(); err != nil {
		t.Fatalf("trial admission rejected: %v", err)
	}
	// While the trial is in flight every other caller is turned away.
	for i := 0; i < 3; i++ {
		if err := b.Admit(); !errors.Is(err, ErrOpen) {
			t.Fatalf("concurrent admit %d = %v, want ErrOpen", i, err)
		}
	}
}

func TestTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: time.Second})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	*clock = clock.Add(time.Second)
	b.Admit() //nolint:errcheck
	b.ReportSuccess()

	if b.State() != StateClosed {
		t.Fatalf("state after trial success = %v, want CLOSED", b.State())
	}
	if b.FailureCount() != 0 {
		t.Errorf("failure count after close = %d, want 0", b.FailureCount())
	}
	if err := b.Admit(); err != nil {
		t.Errorf("Admit after recovery = %v, want nil", err)
	}
}

func TestTrialFailureReopensWithFreshWindow(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: 5 * time.Second})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	*clock = clock.Add(5 * time.Second)
	b.Admit() //nolint:errcheck
	b.ReportFailure()

	if b.State() != StateOpen {
		t.Fatalf("state after trial failure = %v, want OPEN", b.State())
	}

	// The reset window restarts at the trial failure, not the original trip.
	*clock = clock.Add(4 * time.Second)
	if err := b.Admit(); !errors.Is(err, ErrOpen) {
		t.Errorf("Admit 4s after reopen = %v, want ErrOpen", err)
	}
	*clock = clock.Add(time.Second)
	if err := b.Admit(); err != nil {
		t.Errorf("Admit 5s after reopen = %v, want trial admission", err)
	}
}

func TestAbandonFreesTrialSlot(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: time.Second})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	*clock = clock.Add(time.Second)
	b.Admit() //nolint:errcheck

	if err := b.Admit(); !errors.Is(err, ErrOpen) {
		t.Fatalf("second admit during trial = %v, want ErrOpen", err)
	}

	// The trial caller went away without an outcome.
	b.Abandon()

	if b.State() != StateHalfOpen {
		t.Fatalf("state after abandon = %v, want HALF_OPEN", b.State())
	}
	if err := b.Admit(); err != nil {
		t.Errorf("Admit after abandon = %v, want a fresh trial", err)
	}
}

func TestReportsWhileOpenAreIgnored(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: time.Minute})

	b.Admit() //nolint:errcheck
	b.ReportFailure()

	// Stale reports from calls that raced the trip must not disturb the
	// open state or its deadline.
	b.ReportSuccess()
	b.ReportFailure()

	if b.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", b.State())
	}
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v, want CLOSED", b.State())
	}
	if err := b.Admit(); err != nil {
		t.Errorf("Admit after Reset = %v, want nil", err)
	}
}

func TestUpdateSettingsPreservesState(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 5})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	b.Admit() //nolint:errcheck
	b.ReportFailure()

	b.UpdateSettings(Settings{MaxFailures: 2, CallTimeout: time.Second, ResetTimeout: 10 * time.Second})

	if b.FailureCount() != 2 {
		t.Fatalf("failure count after update = %d, want 2", b.FailureCount())
	}
	if b.State() != StateClosed {
		t.Fatalf("state after update = %v, want CLOSED", b.State())
	}

	// The lowered threshold applies to the next failure.
	b.Admit() //nolint:errcheck
	b.ReportFailure()
	if b.State() != StateOpen {
		t.Errorf("state = %v, want OPEN under new threshold", b.State())
	}
	if b.CallTimeout() != time.Second {
		t.Errorf("call timeout = %v, want 1s", b.CallTimeout())
	}
}

func TestStatusSnapshot(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 3})
	b.Admit() //nolint:errcheck
	b.ReportFailure()

	st := b.Status()
	if st.Name != "svc" || st.State != "CLOSED" || st.Failures != 1 {
		t.Errorf("Status() = %+v, want {svc CLOSED 1}", st)
	}
}

// TestConcurrentSingleTrial hammers a half-open breaker from many
// goroutines and verifies exactly one admission wins the trial slot.
func TestConcurrentSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "svc", MaxFailures: 1, ResetTimeout: time.Second})

	b.Admit() //nolint:errcheck
	b.ReportFailure()
	*clock = clock.Add(time.Second)

	const goroutines = 64
	var (
		wg       sync.WaitGroup
		admitted int
		mu       sync.Mutex
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Admit(); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("admitted = %d concurrent trials, want exactly 1", admitted)
	}
}

// TestScenarioDefaultTopology walks the breaker through the demo
// defaults end to end: trip at three failures, reject for the reset
// window, recover through a successful trial.
func TestScenarioDefaultTopology(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{Name: "service-a"})

	for i := 0; i < 3; i++ {
		if err := b.Admit(); err != nil {
			t.Fatalf("warm-up call %d rejected: %v", i, err)
		}
		b.ReportFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN after 3 failures", b.State())
	}

	*clock = clock.Add(2 * time.Second)
	if err := b.Admit(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Admit 2s after trip = %v, want ErrOpen", err)
	}

	*clock = clock.Add(3 * time.Second)
	if err := b.Admit(); err != nil {
		t.Fatalf("trial at 5s rejected: %v", err)
	}
	b.ReportSuccess()

	if b.State() != StateClosed {
		t.Errorf("state after recovery = %v, want CLOSED", b.State())
	}
}
