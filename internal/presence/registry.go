// Package presence tracks which users currently hold a live connection.
package presence

import "sync"

// Entry is a single presence record.
type Entry[H comparable] struct {
	UserID string
	Handle H
}

// Registry maps a user id to the handle of its active connection.
// At most one handle is kept per user: the last registration wins.
type Registry[H comparable] struct {
	mu      sync.Mutex
	entries map[string]H
}

func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		entries: make(map[string]H),
	}
}

// Register inserts or replaces the handle for userID.
func (r *Registry[H]) Register(userID string, handle H) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[userID] = handle
}

// Unregister removes every entry pointing at handle.
// It returns false when the handle was never registered or was already replaced.
func (r *Registry[H]) Unregister(handle H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for userID, h := range r.entries {
		if h == handle {
			delete(r.entries, userID)
			removed = true
		}
	}
	return removed
}

func (r *Registry[H]) Lookup(userID string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.entries[userID]
	return h, ok
}

func (r *Registry[H]) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Snapshot returns a copy of all entries, safe to iterate without holding the lock.
func (r *Registry[H]) Snapshot() []Entry[H] {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry[H], 0, len(r.entries))
	for userID, h := range r.entries {
		out = append(out, Entry[H]{UserID: userID, Handle: h})
	}
	return out
}

func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
