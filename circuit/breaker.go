// Package circuit implements the per-upstream circuit breaker.
//
// Each target service owns a three state machine: closed (dispatch
// allowed), open (dispatch refused until the open timeout elapses) and
// half open (a single probe dispatch allowed at a time). Failures and
// successes are reported by the dispatcher from real outcomes; health
// probes never drive these transitions.
package circuit

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings configure one breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that opens the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of successful probes in the
	// half open state that closes the breaker.
	SuccessThreshold int

	// OpenTimeout is how long an open breaker refuses dispatch
	// before allowing a probe.
	OpenTimeout time.Duration
}

// Snapshot is a consistent view of a breaker for the admin surface.
type Snapshot struct {
	State                State     `json:"-"`
	StateName            string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
}

// Breaker is the state machine of a single target service.
type Breaker struct {
	settings Settings
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

func newBreaker(s Settings, now func() time.Time) *Breaker {
	return &Breaker{settings: s, now: now}
}

// must hold mu
func (b *Breaker) refresh() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
		b.probing = false
	}
}

// Allow reports whether a dispatch may proceed. In the half open
// state only one probe is in flight at a time; concurrent requests
// are refused until the probe reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess consumes a successful dispatch outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure consumes a failed dispatch outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.probing = false
		b.successes = 0
		b.state = Open
		b.openedAt = b.now()
	}
}

// RecordCanceled releases a probe slot without counting the outcome.
// Client-side cancellations are neither success nor failure.
func (b *Breaker) RecordCanceled() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probing = false
	}
}

// State returns the current state, applying the open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	return b.state
}

// Reset forces the breaker closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.openedAt = time.Time{}
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	return Snapshot{
		State:                b.state,
		StateName:            b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
	}
}
