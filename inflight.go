package fetchkit

import (
	"context"
	"sync"
)

// InflightEntry represents an in-flight request shared between callers.
// It settles exactly once, with the identical *Response / error handed
// to every waiter.
type InflightEntry struct {
	mu      sync.Mutex
	resp    *Response
	err     error
	done    chan struct{}
	waiters int
}

// InflightRegistry coalesces concurrent calls that share a dedupe key:
// at most one network call is outstanding per key. It is the only piece
// of shared mutable state in the request layer; check-and-register is
// atomic under the registry mutex.
type InflightRegistry struct {
	mu      sync.Mutex
	entries map[string]*InflightEntry
}

// NewInflightRegistry returns an empty registry. Clients create one by
// default; tests inject isolated registries via WithInflightRegistry.
func NewInflightRegistry() *InflightRegistry {
	return &InflightRegistry{
		entries: make(map[string]*InflightEntry),
	}
}

// Acquire returns the entry for key and whether the caller owns the
// dispatch. The first caller for a key registers a fresh entry and gets
// owner=true; later callers get the existing entry and must Wait on it.
func (r *InflightRegistry) Acquire(key string) (*InflightEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		entry.mu.Lock()
		entry.waiters++
		entry.mu.Unlock()
		return entry, false
	}

	entry := &InflightEntry{
		done:    make(chan struct{}),
		waiters: 1,
	}
	r.entries[key] = entry
	return entry, true
}

// Complete settles the entry for key and removes it immediately, so a
// later call with the same key starts a fresh network call. Unknown
// keys are a no-op.
func (r *InflightRegistry) Complete(key string, resp *Response, err error) {
	r.mu.Lock()
	entry, exists := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if !exists {
		return
	}

	entry.mu.Lock()
	entry.resp = resp
	entry.err = err
	close(entry.done)
	entry.mu.Unlock()
}

// Len reports the number of live entries.
func (r *InflightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Wait blocks until the owning request settles or ctx is done. A waiter
// whose context expires abandons the shared call without affecting the
// owner or other waiters.
func (e *InflightEntry) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		resp := e.resp
		err := e.err
		e.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		kind := KindCanceled
		msg := "request canceled while awaiting shared result"
		if ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
			msg = "deadline exceeded while awaiting shared result"
		}
		return nil, &RequestError{
			Kind:    kind,
			Message: msg,
			Cause:   ctx.Err(),
		}
	}
}

// Waiters reports how many callers share the entry.
func (e *InflightEntry) Waiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiters
}
