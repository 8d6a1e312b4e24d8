// Package idempotency provides a TTL-bounded duplicate-key cache. One
// instance lives on each side of the wire: the server uses it to collapse
// retried deliveries of the same operation, the client to avoid
// reprocessing broadcast echoes of ops it still has pending.
package idempotency

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Result reports one CheckAndMark outcome.
type Result struct {
	Accepted  bool
	Duplicate bool
	ExpiresIn time.Duration
}

// Tracker maps idempotency keys to expiry times, bounded by maxEntries
// with oldest-first eviction. Expired entries are pruned lazily.
type Tracker struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	clock      clockwork.Clock

	entries map[string]time.Time
	order   []string // insertion order, may hold stale keys already pruned
}

// NewTracker creates a tracker. A nil clock uses the real clock.
func NewTracker(ttl time.Duration, maxEntries int, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		entries:    make(map[string]time.Time),
	}
}

// CheckAndMark accepts the key if it is not currently marked, recording it
// for the tracker's TTL. A blank key is always accepted and never marked.
func (t *Tracker) CheckAndMark(key string) Result {
	if key == "" {
		return Result{Accepted: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.prune(now)

	if expiry, ok := t.entries[key]; ok {
		return Result{Duplicate: true, ExpiresIn: expiry.Sub(now)}
	}

	t.entries[key] = now.Add(t.ttl)
	t.order = append(t.order, key)
	t.evict()
	return Result{Accepted: true, ExpiresIn: t.ttl}
}

// Forget removes a key so its next delivery is accepted again. Used when
// an operation fails retryably: the retry must be reprocessed, not
// collapsed.
func (t *Tracker) Forget(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Len reports the number of live entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.clock.Now())
	return len(t.entries)
}

func (t *Tracker) prune(now time.Time) {
	if len(t.entries) == 0 {
		return
	}
	kept := t.order[:0]
	for _, key := range t.order {
		expiry, ok := t.entries[key]
		if !ok {
			continue // evicted earlier
		}
		if !expiry.After(now) {
			delete(t.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	t.order = kept
}

func (t *Tracker) evict() {
	if t.maxEntries <= 0 {
		return
	}
	for len(t.entries) > t.maxEntries && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
}
