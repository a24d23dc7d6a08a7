// Package ratelimit applies the ordered rate limit rule set to
// requests. Rules compose by conjunction of permits: a request passes
// only when every selected rule is under budget, and a denial
// increments no bucket at all (test-then-commit).
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/pathmatch"
	"github.com/portcullis-io/portcullis/store"
)

// Result is the outcome of a single atomic test-and-increment.
type Result struct {
	Allowed bool
	Count   int // count after the operation, the standing count on denial
	Reset   time.Time
	Token   string // handle for Undo, set only on an admitted hit
}

// CounterStore is the replacement contract for the bucket counters.
// The in-process implementation lives in this package; a distributed
// one (Redis) can be substituted without touching the engine.
type CounterStore interface {
	// TestAndIncr atomically tests the bucket against limit and
	// records the hit only when it is under budget. The test and the
	// increment happen under one bucket lock (or one server-side
	// script), so concurrent evaluations of the same key can never
	// admit more than limit hits per window.
	TestAndIncr(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (Result, error)

	// Undo reverts a hit previously admitted by TestAndIncr,
	// identified by its token. Used when a later rule denies the
	// request, so a denial leaves no bucket incremented.
	Undo(ctx context.Context, key string, window time.Duration, token string) error

	// Peek returns the current count and reset time without
	// recording a hit.
	Peek(ctx context.Context, key string, window time.Duration, now time.Time) (count int, reset time.Time, err error)
}

// Rule is a compiled rate limit rule.
type Rule struct {
	*store.RateLimitRule
	pattern *pathmatch.Pattern // nil matches any path
}

// Request carries the attributes a rule selects on.
type Request struct {
	Path     string
	Method   string
	UserID   string
	ClientIP string
	RouteID  string
}

// Verdict is the outcome of an evaluation, including the material for
// the X-RateLimit response headers.
type Verdict struct {
	Allowed   bool
	Applied   bool // at least one rule selected the request
	Limit     int
	Remaining int
	Reset     time.Time
	RuleName  string // the tightest denying rule, empty on allow
}

// Engine evaluates the active rule set.
type Engine struct {
	store    *store.Store
	counters CounterStore
	disabled bool
	now      func() time.Time

	rules atomic.Pointer[[]*Rule]
}

// NewEngine creates an engine backed by the given counter store and
// loads the initial rule snapshot.
func NewEngine(ctx context.Context, st *store.Store, counters CounterStore, disabled bool) (*Engine, error) {
	e := &Engine{
		store:    st,
		counters: counters,
		disabled: disabled,
		now:      time.Now,
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload rebuilds the rule snapshot from the store. Every rule
// mutation must be followed by a Reload.
func (e *Engine) Reload(ctx context.Context) error {
	recs, err := e.store.ListRules(ctx, true)
	if err != nil {
		return err
	}

	rules := make([]*Rule, 0, len(recs))
	for _, rec := range recs {
		r := &Rule{RateLimitRule: rec}
		if rec.Pattern != nil && *rec.Pattern != "" {
			p, err := pathmatch.Compile(*rec.Pattern)
			if err != nil {
				log.Errorf("skipping rate limit rule %q with invalid pattern %q: %v", rec.Name, *rec.Pattern, err)
				continue
			}
			r.pattern = p
		}
		rules = append(rules, r)
	}

	e.rules.Store(&rules)
	return nil
}

// selects reports whether the rule applies to the request.
func (r *Rule) selects(req Request) bool {
	if r.Scope == store.ScopePerUser && req.UserID == "" {
		return false
	}
	if r.pattern != nil && !r.pattern.Match(req.Path) {
		return false
	}
	return true
}

// bucketKey derives the counter key of the rule for this request.
func (r *Rule) bucketKey(req Request) string {
	switch r.Scope {
	case store.ScopePerUser:
		return fmt.Sprintf("user:%s:%s", req.UserID, r.ID)
	case store.ScopePerIP:
		return fmt.Sprintf("ip:%s:%s", req.ClientIP, r.ID)
	case store.ScopePerEndpoint:
		ep := req.RouteID
		if ep == "" {
			ep = req.Path
		}
		return fmt.Sprintf("endpoint:%s:%s", ep, r.ID)
	default:
		return "global:" + r.ID
	}
}

// Evaluate applies the active rules to the request. On denial no
// bucket is incremented; on allow all selected buckets are.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Verdict, error) {
	if e.disabled {
		return Verdict{Allowed: true}, nil
	}

	rules := *e.rules.Load()

	type selected struct {
		rule *Rule
		key  string
	}
	var sel []selected
	for _, r := range rules {
		if r.selects(req) {
			sel = append(sel, selected{rule: r, key: r.bucketKey(req)})
		}
	}
	if len(sel) == 0 {
		return Verdict{Allowed: true}, nil
	}

	now := e.now()

	// Each selected rule is admitted with one atomic
	// test-and-increment. When a rule denies, the hits already
	// admitted for this request are reverted, so a denial leaves no
	// bucket incremented.
	type commit struct {
		key    string
		window time.Duration
		token  string
	}
	var committed []commit

	undoAll := func() {
		for _, c := range committed {
			if err := e.counters.Undo(ctx, c.key, c.window, c.token); err != nil {
				log.Errorf("failed to revert rate limit hit on %s: %v", c.key, err)
			}
		}
	}

	out := Verdict{Allowed: true, Applied: true, Remaining: -1}
	for i, s := range sel {
		window := time.Duration(s.rule.WindowSeconds) * time.Second
		res, err := e.counters.TestAndIncr(ctx, s.key, window, s.rule.MaxRequests, now)
		if err != nil {
			undoAll()
			return Verdict{}, err
		}

		if !res.Allowed {
			undoAll()
			denied := Verdict{
				Applied:  true,
				Limit:    s.rule.MaxRequests,
				Reset:    res.Reset,
				RuleName: s.rule.Name,
			}
			// The headers report the tightest rule that denied;
			// the remaining rules are only inspected, never
			// incremented.
			for _, later := range sel[i+1:] {
				w := time.Duration(later.rule.WindowSeconds) * time.Second
				count, reset, err := e.counters.Peek(ctx, later.key, w, now)
				if err != nil {
					log.Errorf("failed to peek rate limit bucket %s: %v", later.key, err)
					continue
				}
				if count >= later.rule.MaxRequests && later.rule.MaxRequests < denied.Limit {
					denied.Limit = later.rule.MaxRequests
					denied.Reset = reset
					denied.RuleName = later.rule.Name
				}
			}
			return denied, nil
		}

		committed = append(committed, commit{key: s.key, window: window, token: res.Token})
		remaining := s.rule.MaxRequests - res.Count
		if remaining < 0 {
			remaining = 0
		}
		if out.Remaining < 0 || remaining < out.Remaining {
			out.Limit = s.rule.MaxRequests
			out.Remaining = remaining
			out.Reset = res.Reset
		}
	}
	return out, nil
}
