// Package ratelimit throttles repeated authentication failures per client
// address using fixed counting windows held in local memory.
package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// entryCost is the approximate memory footprint of a single tracked address.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var entryCost = int64(unsafe.Sizeof(entry{}))

// FailureLimiter counts authentication failures per address within a fixed
// window. Once an address accumulates maxFailures inside a window, every
// further attempt is rejected until the window lapses. Successful
// authentications do not clear the count.
//
// State is local to the process. Each relay instance tracks failures
// independently, so the effective ceiling is per-instance, which is fine for
// slowing credential guessing.
//
// Ristretto handles concurrency, TTL expiry, and admission/eviction (TinyLFU)
// within the configured entry budget. Each address carries its own mutex so
// hot paths only contend on the individual key, not a global lock.
type FailureLimiter struct {
	cache       *ristretto.Cache[string, *entry]
	window      time.Duration
	maxFailures int
}

type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// NewFailureLimiter creates a limiter tracking up to maxEntries addresses.
func NewFailureLimiter(window time.Duration, maxFailures int, maxEntries int64) *FailureLimiter {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *entry]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries * entryCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &FailureLimiter{
		cache:       cache,
		window:      window,
		maxFailures: maxFailures,
	}
}

// Fail records one authentication failure for addr and reports whether the
// address is now over the limit.
func (l *FailureLimiter) Fail(addr string) bool {
	now := time.Now()

	e, found := l.cache.Get(addr)
	if !found {
		e = &entry{count: 1, resetAt: now.Add(l.window)}
		l.cache.SetWithTTL(addr, e, entryCost, l.window)
		// Wait ensures the entry is visible to subsequent Gets. Only the
		// first failure for an address pays this; the hot path (cache hit)
		// has zero extra cost.
		l.cache.Wait()
		return l.maxFailures <= 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if now.After(e.resetAt) {
		e.count = 1
		e.resetAt = now.Add(l.window)
		return l.maxFailures <= 1
	}

	e.count++
	return e.count >= l.maxFailures
}

// Blocked reports whether addr is currently over the limit without recording
// a failure.
func (l *FailureLimiter) Blocked(addr string) bool {
	e, found := l.cache.Get(addr)
	if !found {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Now().After(e.resetAt) {
		return false
	}
	return e.count >= l.maxFailures
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *FailureLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
