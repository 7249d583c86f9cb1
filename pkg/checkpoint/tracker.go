package checkpoint

import (
	"sync"

	"sharelift/pkg/types"
)

// Tracker computes the low watermark of a pass: the last key in walk order
// such that it and every key before it are finished. Keys must be started
// in walk order; they may finish in any order.
type Tracker struct {
	mu      sync.Mutex
	pending []types.PathKey
	done    map[types.PathKey]bool
	mark    types.PathKey
}

// NewTracker creates a tracker whose watermark starts at start.
func NewTracker(start types.PathKey) *Tracker {
	return &Tracker{done: make(map[types.PathKey]bool), mark: start}
}

// Start registers key as in flight.
func (t *Tracker) Start(key types.PathKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, key)
}

// Finish marks key done and returns the watermark, and whether it moved.
func (t *Tracker) Finish(key types.PathKey) (types.PathKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done[key] = true
	moved := false
	for len(t.pending) > 0 && t.done[t.pending[0]] {
		delete(t.done, t.pending[0])
		t.mark = t.pending[0]
		t.pending = t.pending[1:]
		moved = true
	}
	return t.mark, moved
}

// Mark is the current watermark.
func (t *Tracker) Mark() types.PathKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mark
}
