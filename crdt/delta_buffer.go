package crdt

import "crdtkit/causal"

// DeltaBuffer is a bounded ring of recent deltas keyed by the version that
// produced them. It lets a replica answer "what changed since v" without
// shipping full state, as long as it still holds everything newer than v.
// A DeltaBuffer is not safe for concurrent use.
type DeltaBuffer[D any] struct {
	ring    []bufferedDelta[D]
	head    int
	size    int
	evicted causal.VClock
}

type bufferedDelta[D any] struct {
	version causal.VClock
	delta   D
}

// NewDeltaBuffer creates a DeltaBuffer holding at most capacity deltas.
func NewDeltaBuffer[D any](capacity int) *DeltaBuffer[D] {
	if capacity < 1 {
		capacity = 1
	}
	return &DeltaBuffer[D]{ring: make([]bufferedDelta[D], capacity)}
}

// Push records delta at version, evicting the oldest entry when full.
func (b *DeltaBuffer[D]) Push(version causal.VClock, delta D) {
	if b.size == len(b.ring) {
		oldest := b.ring[b.head]
		if b.evicted == nil {
			b.evicted = causal.NewVClock()
		}
		b.evicted.Merge(oldest.version)
		b.ring[b.head] = bufferedDelta[D]{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
	}
	tail := (b.head + b.size) % len(b.ring)
	b.ring[tail] = bufferedDelta[D]{version: version.Clone(), delta: delta}
	b.size++
}

// DeltasSince returns, oldest first, every buffered delta whose version v does
// not dominate. The boolean is false when an evicted delta may be missing
// from the answer; the caller must then fall back to full state.
func (b *DeltaBuffer[D]) DeltasSince(v causal.VClock) ([]D, bool) {
	if !b.CanServe(v) {
		return nil, false
	}
	out := make([]D, 0, b.size)
	for i := 0; i < b.size; i++ {
		e := b.ring[(b.head+i)%len(b.ring)]
		if !v.Dominates(e.version) {
			out = append(out, e.delta)
		}
	}
	return out, true
}

// CanServe reports whether DeltasSince(v) would be complete.
func (b *DeltaBuffer[D]) CanServe(v causal.VClock) bool {
	if b.evicted == nil || b.evicted.IsZero() {
		return true
	}
	return v.StrictlyDominates(b.evicted)
}

// Len returns the number of buffered deltas.
func (b *DeltaBuffer[D]) Len() int {
	return b.size
}

// Capacity returns the maximum number of buffered deltas.
func (b *DeltaBuffer[D]) Capacity() int {
	return len(b.ring)
}

// Clear drops every buffered delta and forgets evictions.
func (b *DeltaBuffer[D]) Clear() {
	clear(b.ring)
	b.head, b.size, b.evicted = 0, 0, nil
}
