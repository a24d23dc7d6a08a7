// Package routing holds the in-memory routing table. The table is an
// immutable snapshot of the active route set, swapped wholesale on
// every mutation; resolving reads the snapshot pointer without taking
// a lock.
package routing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/pathmatch"
	"github.com/portcullis-io/portcullis/store"
)

// ErrNotFound means no active route pattern matched the path.
var ErrNotFound = errors.New("no route matched")

// MethodNotAllowedError means at least one pattern matched the path
// but none of the matching routes accepts the method.
type MethodNotAllowedError struct {
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string { return "method not allowed" }

// Route is one resolvable entry: the stored record plus its compiled
// pattern and effective dispatch parameters.
type Route struct {
	*store.Route

	pattern  *pathmatch.Pattern
	methods  map[string]struct{}
	wildcard bool

	// Timeout and Retries carry the route values with the gateway
	// defaults applied.
	Timeout time.Duration
	Retries int
}

// AllowsMethod reports whether the route accepts the method.
func (r *Route) AllowsMethod(method string) bool {
	if r.wildcard {
		return true
	}
	_, ok := r.methods[method]
	return ok
}

// Defaults are applied where a route omits dispatch parameters.
type Defaults struct {
	Timeout time.Duration
	Retries int
}

// Table resolves (path, method) to a route.
type Table struct {
	store    *store.Store
	defaults Defaults
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	routes []*Route
	cache  sync.Map // "METHOD path" -> *Route
}

// New creates a table and loads the initial snapshot.
func New(ctx context.Context, st *store.Store, d Defaults) (*Table, error) {
	t := &Table{store: st, defaults: d}
	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) compile(rec *store.Route) (*Route, error) {
	p, err := pathmatch.Compile(rec.Pattern)
	if err != nil {
		return nil, err
	}

	r := &Route{
		Route:   rec,
		pattern: p,
		methods: make(map[string]struct{}, len(rec.Methods)),
		Timeout: time.Duration(rec.TimeoutMs) * time.Millisecond,
		Retries: rec.RetryCount,
	}
	for _, m := range rec.Methods {
		if m == "*" {
			r.wildcard = true
		}
		r.methods[m] = struct{}{}
	}
	if r.Timeout <= 0 {
		r.Timeout = t.defaults.Timeout
	}
	if rec.RetryCount < 0 {
		r.Retries = t.defaults.Retries
	}
	return r, nil
}

// Reload rebuilds the snapshot from the store and swaps it in,
// invalidating the resolve cache wholesale. Every route table
// mutation must be followed by a Reload.
func (t *Table) Reload(ctx context.Context) error {
	recs, err := t.store.ListRoutes(ctx, true)
	if err != nil {
		return err
	}

	routes := make([]*Route, 0, len(recs))
	for _, rec := range recs {
		r, err := t.compile(rec)
		if err != nil {
			log.Errorf("skipping route %s with invalid pattern %q: %v", rec.ID, rec.Pattern, err)
			continue
		}
		routes = append(routes, r)
	}

	// The store returns resolution order; restate it here so the
	// tie-break does not silently depend on SQL ordering details.
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority > routes[j].Priority
		}
		if !routes[i].UpdatedAt.Equal(routes[j].UpdatedAt) {
			return routes[i].UpdatedAt.After(routes[j].UpdatedAt)
		}
		return routes[i].Route.Pattern < routes[j].Route.Pattern
	})

	t.snapshot.Store(&snapshot{routes: routes})
	return nil
}

// Resolve returns the highest priority active route matching path and
// method. It returns ErrNotFound when no pattern matches, and a
// *MethodNotAllowedError listing the accepted methods when patterns
// match but none accepts the method.
func (t *Table) Resolve(path, method string) (*Route, error) {
	snap := t.snapshot.Load()
	if snap == nil {
		return nil, ErrNotFound
	}

	key := method + " " + path
	if v, ok := snap.cache.Load(key); ok {
		return v.(*Route), nil
	}

	var allowed []string
	for _, r := range snap.routes {
		if !r.pattern.Match(path) {
			continue
		}
		if !r.AllowsMethod(method) {
			allowed = appendMethods(allowed, r)
			continue
		}

		snap.cache.Store(key, r)
		return r, nil
	}

	if len(allowed) > 0 {
		return nil, &MethodNotAllowedError{Allowed: allowed}
	}
	return nil, ErrNotFound
}

// Routes returns the current snapshot in resolution order.
func (t *Table) Routes() []*Route {
	snap := t.snapshot.Load()
	if snap == nil {
		return nil
	}
	return snap.routes
}

func appendMethods(allowed []string, r *Route) []string {
	for _, m := range r.Methods {
		found := false
		for _, a := range allowed {
			if a == m {
				found = true
				break
			}
		}
		if !found {
			allowed = append(allowed, m)
		}
	}
	return allowed
}
