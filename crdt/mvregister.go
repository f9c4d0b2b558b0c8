package crdt

import (
	"encoding/json"
	"slices"

	"crdtkit/causal"
	"crdtkit/common"
)

// MVRegister is a multi-value register. Concurrent writes are all kept until a
// later write that has seen them replaces them.
type MVRegister[T comparable] struct {
	replica common.ReplicaID
	entries []mvEntry[T]
}

type mvEntry[T any] struct {
	Value T             `json:"value"`
	Clock causal.VClock `json:"clock"`
}

type mvregisterState[T any] struct {
	Replica uint64       `json:"replica"`
	Entries []mvEntry[T] `json:"entries"`
}

// NewMVRegister creates an empty MVRegister owned by replica.
func NewMVRegister[T comparable](replica common.ReplicaID) *MVRegister[T] {
	return &MVRegister[T]{replica: replica}
}

// ReplicaID returns the owning replica.
func (r *MVRegister[T]) ReplicaID() common.ReplicaID {
	return r.replica
}

// Set replaces every retained value with value. The new clock dominates all
// retained clocks.
func (r *MVRegister[T]) Set(value T) {
	clock := r.Version()
	clock.Increment(r.replica)
	r.entries = []mvEntry[T]{{Value: value, Clock: clock}}
}

// Resolve is Set, used to settle a conflict.
func (r *MVRegister[T]) Resolve(value T) {
	r.Set(value)
}

// Values returns the retained values in a replica-independent order.
func (r *MVRegister[T]) Values() []T {
	values := make([]T, len(r.entries))
	for i, e := range r.entries {
		values[i] = e.Value
	}
	return values
}

// Get returns the value when exactly one is retained.
func (r *MVRegister[T]) Get() (T, bool) {
	var zero T
	if len(r.entries) != 1 {
		return zero, false
	}
	return r.entries[0].Value, true
}

// HasConflict reports whether more than one value is retained.
func (r *MVRegister[T]) HasConflict() bool {
	return len(r.entries) > 1
}

// Merge keeps the maximal values of both registers.
func (r *MVRegister[T]) Merge(other *MVRegister[T]) {
	if other == nil {
		return
	}
	r.entries = maximal(append(slices.Clone(r.entries), other.entries...))
}

// Version implements DeltaCRDT.
func (r *MVRegister[T]) Version() causal.VClock {
	clock := causal.NewVClock()
	for _, e := range r.entries {
		clock.Merge(e.Clock)
	}
	return clock
}

// DeltaSince implements DeltaCRDT.
func (r *MVRegister[T]) DeltaSince(v causal.VClock) (*MVRegister[T], bool) {
	if v.Dominates(r.Version()) {
		return nil, false
	}
	return r.Clone(), true
}

// ApplyDelta implements DeltaCRDT.
func (r *MVRegister[T]) ApplyDelta(delta *MVRegister[T]) {
	r.Merge(delta)
}

// Clone returns an independent copy.
func (r *MVRegister[T]) Clone() *MVRegister[T] {
	c := &MVRegister[T]{replica: r.replica, entries: make([]mvEntry[T], len(r.entries))}
	for i, e := range r.entries {
		c.entries[i] = mvEntry[T]{Value: e.Value, Clock: e.Clock.Clone()}
	}
	return c
}

// maximal drops every entry whose clock is strictly dominated by another and
// collapses duplicates.
func maximal[T comparable](all []mvEntry[T]) []mvEntry[T] {
	out := make([]mvEntry[T], 0, len(all))
	for _, e := range all {
		dominated := false
		for _, o := range all {
			if o.Clock.StrictlyDominates(e.Clock) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		duplicate := slices.ContainsFunc(out, func(x mvEntry[T]) bool {
			return x.Value == e.Value && x.Clock.Equal(e.Clock)
		})
		if !duplicate {
			out = append(out, mvEntry[T]{Value: e.Value, Clock: e.Clock.Clone()})
		}
	}
	slices.SortStableFunc(out, func(a, b mvEntry[T]) int {
		return a.Clock.Compare(b.Clock)
	})
	return out
}

func (r *MVRegister[T]) restore(st mvregisterState[T]) {
	r.replica = st.Replica
	r.entries = maximal(st.Entries)
}

// GobEncode implements gob.GobEncoder.
func (r *MVRegister[T]) GobEncode() ([]byte, error) {
	return gobMarshal(mvregisterState[T]{Replica: r.replica, Entries: r.entries})
}

// GobDecode implements gob.GobDecoder.
func (r *MVRegister[T]) GobDecode(data []byte) error {
	var st mvregisterState[T]
	if err := gobUnmarshal(data, &st); err != nil {
		return err
	}
	r.restore(st)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *MVRegister[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(mvregisterState[T]{Replica: r.replica, Entries: r.entries})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *MVRegister[T]) UnmarshalJSON(data []byte) error {
	var st mvregisterState[T]
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	r.restore(st)
	return nil
}
