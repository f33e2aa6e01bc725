// Package dedup holds idempotency claims keyed by trace ID or participant token.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store records the first writer of a key. Claim is a compare-and-set:
// it succeeds only when the key is absent, otherwise it returns the value
// stored by the current owner.
type Store interface {
	Claim(ctx context.Context, key, value string) (owner string, claimed bool, err error)
	Get(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

const (
	DefaultCapacity = 65536
	DefaultTTL      = 24 * time.Hour
)

type slot struct {
	key   string
	value string
	at    time.Time
	used  bool
}

// Window is an in-process Store backed by a fixed-capacity arena.
// Slots are reused in insertion order, so when the arena is full the
// oldest claim is evicted. Claims older than TTL are treated as absent.
type Window struct {
	mu        sync.Mutex
	slots     []slot
	index     map[string]int
	next      int
	ttl       time.Duration
	evictions uint64
	now       func() time.Time
}

// NewWindow creates a Window holding at most capacity keys.
// A zero ttl keeps claims until they are evicted by capacity.
func NewWindow(capacity int, ttl time.Duration) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		slots: make([]slot, capacity),
		index: make(map[string]int, capacity),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (w *Window) expired(s slot, now time.Time) bool {
	return w.ttl > 0 && now.Sub(s.at) > w.ttl
}

func (w *Window) free(i int) {
	delete(w.index, w.slots[i].key)
	w.slots[i] = slot{}
}

// Claim stores value under key if the key is absent or expired.
func (w *Window) Claim(_ context.Context, key, value string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if i, ok := w.index[key]; ok {
		if !w.expired(w.slots[i], now) {
			return w.slots[i].value, false, nil
		}
		w.free(i)
	}

	i := w.next
	if w.slots[i].used {
		w.free(i)
		w.evictions++
	}
	w.slots[i] = slot{key: key, value: value, at: now, used: true}
	w.index[key] = i
	w.next = (w.next + 1) % len(w.slots)
	return value, true, nil
}

// Get returns the value of a live claim.
func (w *Window) Get(_ context.Context, key string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	i, ok := w.index[key]
	if !ok {
		return "", false, nil
	}
	if w.expired(w.slots[i], w.now()) {
		w.free(i)
		return "", false, nil
	}
	return w.slots[i].value, true, nil
}

// Release drops a claim so the key can be claimed again.
func (w *Window) Release(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i, ok := w.index[key]; ok {
		w.free(i)
	}
	return nil
}

// Len returns the number of live slots, expired ones included until touched.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Evictions returns how many claims were dropped for capacity.
func (w *Window) Evictions() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evictions
}
