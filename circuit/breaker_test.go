package circuit

import (
	"testing"
	"time"
)

var testSettings = Settings{
	FailureThreshold: 3,
	SuccessThreshold: 2,
	OpenTimeout:      30 * time.Second,
}

// testClock lets the tests step through the open timeout without
// sleeping.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker() (*Breaker, *testClock) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	return newBreaker(testSettings, clock.Now), clock
}

func times(n int, f func()) {
	for n > 0 {
		f()
		n--
	}
}

func checkState(t *testing.T, b *Breaker, want State) {
	t.Helper()
	if got := b.State(); got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
}

func TestNewBreakerClosed(t *testing.T) {
	b, _ := newTestBreaker()
	checkState(t, b, Closed)
	if !b.Allow() {
		t.Error("new breaker refused dispatch")
	}
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	times(testSettings.FailureThreshold-1, b.RecordFailure)
	checkState(t, b, Closed)

	b.RecordFailure()
	checkState(t, b, Open)
	if b.Allow() {
		t.Error("open breaker allowed dispatch")
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()

	times(testSettings.FailureThreshold-1, b.RecordFailure)
	b.RecordSuccess()
	times(testSettings.FailureThreshold-1, b.RecordFailure)
	checkState(t, b, Closed)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker()

	times(testSettings.FailureThreshold, b.RecordFailure)
	checkState(t, b, Open)

	clock.advance(testSettings.OpenTimeout - time.Second)
	checkState(t, b, Open)

	clock.advance(time.Second)
	checkState(t, b, HalfOpen)
	if !b.Allow() {
		t.Error("half open breaker refused the probe")
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker()

	times(testSettings.FailureThreshold, b.RecordFailure)
	clock.advance(testSettings.OpenTimeout)

	if !b.Allow() {
		t.Fatal("probe refused")
	}
	if b.Allow() {
		t.Error("second concurrent probe allowed")
	}

	b.RecordSuccess()
	if !b.Allow() {
		t.Error("probe slot not released after success")
	}
}

func TestClosesAtSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker()

	times(testSettings.FailureThreshold, b.RecordFailure)
	clock.advance(testSettings.OpenTimeout)

	for i := 0; i < testSettings.SuccessThreshold; i++ {
		if !b.Allow() {
			t.Fatal("probe refused")
		}
		b.RecordSuccess()
	}
	checkState(t, b, Closed)

	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 0 || snap.ConsecutiveSuccesses != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()

	times(testSettings.FailureThreshold, b.RecordFailure)
	clock.advance(testSettings.OpenTimeout)

	if !b.Allow() {
		t.Fatal("probe refused")
	}
	b.RecordFailure()
	checkState(t, b, Open)

	// opened_at restarts, so the full timeout applies again
	clock.advance(testSettings.OpenTimeout - time.Second)
	checkState(t, b, Open)
	clock.advance(time.Second)
	checkState(t, b, HalfOpen)
}

func TestCancelReleasesProbeWithoutCounting(t *testing.T) {
	b, clock := newTestBreaker()

	times(testSettings.FailureThreshold, b.RecordFailure)
	clock.advance(testSettings.OpenTimeout)

	if !b.Allow() {
		t.Fatal("probe refused")
	}
	b.RecordCanceled()

	snap := b.Snapshot()
	if snap.State != HalfOpen || snap.ConsecutiveSuccesses != 0 {
		t.Errorf("unexpected snapshot after cancel: %+v", snap)
	}
	if !b.Allow() {
		t.Error("probe slot not released after cancel")
	}
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker()

	times(testSettings.FailureThreshold, b.RecordFailure)
	checkState(t, b, Open)

	b.Reset()
	checkState(t, b, Closed)
	if !b.Allow() {
		t.Error("reset breaker refused dispatch")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testSettings, false)
	r.clock = func() time.Time { return time.Unix(1700000000, 0) }

	times(testSettings.FailureThreshold, func() { r.RecordFailure("content") })
	if r.Allow("content") {
		t.Error("open breaker allowed dispatch")
	}
	if !r.Allow("auth") {
		t.Error("independent service affected")
	}

	r.Reset("content")
	if !r.Allow("content") {
		t.Error("reset did not close the breaker")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(snaps))
	}
}

func TestRegistryDisabled(t *testing.T) {
	r := NewRegistry(testSettings, true)
	times(10, func() { r.RecordFailure("content") })
	if !r.Allow("content") {
		t.Error("disabled registry refused dispatch")
	}
	if r.State("content") != Closed {
		t.Error("disabled registry reported a non-closed state")
	}
}
