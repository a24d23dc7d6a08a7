package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalCounters is the in-process CounterStore. Each bucket keeps a
// pair of counters over aligned window steps; the previous step
// contributes with a linearly decaying weight, approximating a true
// sliding window with a drift bounded by one window step.
//
// The test and the increment of TestAndIncr run under the bucket
// mutex, so concurrent evaluations of the same key can never admit
// more than the limit.
type LocalCounters struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu       sync.Mutex
	start    time.Time
	current  int
	previous int
}

// NewLocalCounters creates an empty in-process counter store.
func NewLocalCounters() *LocalCounters {
	return &LocalCounters{buckets: make(map[string]*bucket)}
}

func (c *LocalCounters) get(key string) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	return b
}

// must hold b.mu
func (b *bucket) roll(window time.Duration, now time.Time) {
	if b.start.IsZero() {
		b.start = now
		return
	}

	elapsed := now.Sub(b.start)
	switch {
	case elapsed < window:
	case elapsed < 2*window:
		b.previous = b.current
		b.current = 0
		b.start = b.start.Add(window)
	default:
		b.previous = 0
		b.current = 0
		b.start = now
	}
}

// must hold b.mu
func (b *bucket) count(window time.Duration, now time.Time) int {
	weight := 1 - float64(now.Sub(b.start))/float64(window)
	if weight < 0 {
		weight = 0
	}
	return b.current + int(float64(b.previous)*weight)
}

// must hold b.mu
func (b *bucket) reset(window time.Duration) time.Time {
	return b.start.Add(window)
}

// TestAndIncr admits and records one hit iff the bucket is under the
// limit, all under the bucket mutex.
func (c *LocalCounters) TestAndIncr(_ context.Context, key string, window time.Duration, limit int, now time.Time) (Result, error) {
	b := c.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll(window, now)
	count := b.count(window, now)
	if count >= limit {
		return Result{Count: count, Reset: b.reset(window)}, nil
	}

	b.current++
	return Result{
		Allowed: true,
		Count:   b.count(window, now),
		Reset:   b.reset(window),
		Token:   key,
	}, nil
}

// Undo reverts one admitted hit.
func (c *LocalCounters) Undo(_ context.Context, key string, window time.Duration, token string) error {
	if token == "" {
		return nil
	}

	b := c.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Best effort: when the window rolled between the hit and the
	// revert, the hit may live in the previous counter.
	switch {
	case b.current > 0:
		b.current--
	case b.previous > 0:
		b.previous--
	}
	return nil
}

// Peek returns the current count without recording a hit.
func (c *LocalCounters) Peek(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	b := c.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll(window, now)
	return b.count(window, now), b.reset(window), nil
}
