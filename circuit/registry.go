package circuit

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Registry holds the active circuit breakers, one per target service,
// and applies the default settings to newly observed services.
type Registry struct {
	defaults Settings
	disabled bool
	clock    func() time.Time

	mu     sync.Mutex
	lookup map[string]*Breaker
}

// NewRegistry initializes a registry with the provided defaults. When
// disabled, Allow always passes and outcomes are discarded.
func NewRegistry(defaults Settings, disabled bool) *Registry {
	return &Registry{
		defaults: defaults,
		disabled: disabled,
		clock:    time.Now,
		lookup:   make(map[string]*Breaker),
	}
}

// Get returns the breaker of a service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.lookup[service]
	if !ok {
		b = newBreaker(r.defaults, r.clock)
		r.lookup[service] = b
	}
	return b
}

// Allow reports whether dispatch to the service may proceed.
func (r *Registry) Allow(service string) bool {
	if r.disabled {
		return true
	}
	return r.Get(service).Allow()
}

// RecordSuccess reports a successful dispatch outcome.
func (r *Registry) RecordSuccess(service string) {
	if r.disabled {
		return
	}
	r.Get(service).RecordSuccess()
}

// RecordFailure reports a failed dispatch outcome.
func (r *Registry) RecordFailure(service string) {
	if r.disabled {
		return
	}
	b := r.Get(service)
	before := b.State()
	b.RecordFailure()
	if after := b.State(); after != before {
		log.Infof("circuit breaker %v went from %v to %v", service, before, after)
	}
}

// RecordCanceled releases the service's probe slot without counting
// the outcome.
func (r *Registry) RecordCanceled(service string) {
	if r.disabled {
		return
	}
	r.Get(service).RecordCanceled()
}

// State returns the current state of the service's breaker.
func (r *Registry) State(service string) State {
	if r.disabled {
		return Closed
	}
	return r.Get(service).State()
}

// Open reports whether the service's breaker currently refuses
// dispatch outright.
func (r *Registry) Open(service string) bool {
	return r.State(service) == Open
}

// Reset forces the service's breaker closed and zeroes its counters.
func (r *Registry) Reset(service string) {
	r.Get(service).Reset()
	log.Infof("circuit breaker %v administratively reset", service)
}

// Snapshots returns a view of all known breakers.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.lookup))
	for name, b := range r.lookup {
		out[name] = b.Snapshot()
	}
	return out
}
