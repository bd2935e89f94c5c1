package process

import (
	"sync"

	"github.com/bitk/bitk/internal/engine"
)

// EntryRing is a fixed-capacity ring of normalized log entries. When full,
// the oldest entry is dropped; the durable log store remains authoritative.
type EntryRing struct {
	entries []*engine.Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewEntryRing creates a ring holding at most size entries.
func NewEntryRing(size int) *EntryRing {
	if size < 1 {
		size = 1
	}
	return &EntryRing{
		entries: make([]*engine.Entry, size),
		size:    size,
	}
}

// Add appends an entry, evicting the oldest when the ring is full.
func (r *EntryRing) Add(entry *engine.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count < r.size {
		r.count++
	} else {
		r.head = (r.head + 1) % r.size
	}
	r.entries[idx] = entry
}

// Snapshot returns all buffered entries, oldest first.
func (r *EntryRing) Snapshot() []*engine.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*engine.Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.head+i)%r.size]
	}
	return out
}

// Last returns the newest n entries, oldest first.
func (r *EntryRing) Last(n int) []*engine.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	out := make([]*engine.Entry, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.head+start+i)%r.size]
	}
	return out
}

// Len returns the number of buffered entries.
func (r *EntryRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
