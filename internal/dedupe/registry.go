// ABOUTME: Thread-safe TTL registry of operation handles and their polling state
// ABOUTME: Stops a settled handle from being polled again and a live handle from being polled twice

package dedupe

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrHandleSettled is returned when a handle already reached a terminal outcome.
	ErrHandleSettled = errors.New("operation handle already settled")

	// ErrHandleInFlight is returned when a handle is already being polled.
	ErrHandleInFlight = errors.New("operation handle already being polled")

	// ErrEmptyHandle is returned for an empty handle.
	ErrEmptyHandle = errors.New("operation handle is empty")
)

type entry struct {
	outcome string // empty while in flight
	marked  time.Time
	element *list.Element
}

// Registry remembers handles that are being polled or have settled.
// Entries expire after the TTL; the oldest entry is evicted at capacity.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a registry with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Claim marks handle as in flight. It fails if the handle is already in
// flight or settled and unexpired.
func (r *Registry) Claim(handle string) error {
	if handle == "" {
		return ErrEmptyHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.liveLocked(handle); ok {
		if e.outcome != "" {
			return ErrHandleSettled
		}
		return ErrHandleInFlight
	}
	r.markLocked(handle, "")
	return nil
}

// Settle records the terminal outcome of handle.
func (r *Registry) Settle(handle, outcome string) {
	if handle == "" || outcome == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markLocked(handle, outcome)
}

// Touch restarts the TTL of an in-flight handle. Pollers call it on every
// fetch so a long poll keeps its claim. A handle that was dropped meanwhile
// is claimed again; settled handles are left alone.
func (r *Registry) Touch(handle string) {
	if handle == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[handle]; ok && e.outcome != "" {
		return
	}
	r.markLocked(handle, "")
}

// Release forgets an in-flight handle without settling it, e.g. after
// cancellation, so it may be claimed again. Settled handles stay settled.
func (r *Registry) Release(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok || e.outcome != "" {
		return
	}
	r.order.Remove(e.element)
	delete(r.entries, handle)
}

// Outcome returns the settled outcome of handle, if any.
func (r *Registry) Outcome(handle string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.liveLocked(handle)
	if !ok || e.outcome == "" {
		return "", false
	}
	return e.outcome, true
}

// Len is the number of entries, expired ones included until cleanup.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) liveLocked(handle string) (*entry, bool) {
	e, ok := r.entries[handle]
	if !ok || r.now().Sub(e.marked) >= r.ttl {
		return nil, false
	}
	return e, true
}

// markLocked records handle with outcome. Must be called with mu held.
func (r *Registry) markLocked(handle, outcome string) {
	now := r.now()

	if e, exists := r.entries[handle]; exists {
		e.outcome = outcome
		e.marked = now
		r.order.MoveToBack(e.element)
		return
	}

	if r.maxSize > 0 && len(r.entries) >= r.maxSize {
		r.evictOldest()
	}

	elem := r.order.PushBack(handle)
	r.entries[handle] = &entry{outcome: outcome, marked: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (r *Registry) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.entries, key)
}

func (r *Registry) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (r *Registry) runCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, e := range r.entries {
		if now.Sub(e.marked) >= r.ttl {
			r.order.Remove(e.element)
			delete(r.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
