// Package crdt implements state-based replicated data types with delta
// synchronization: counters, observed-remove sets and maps, and multi-value
// registers. Every Merge is commutative, associative and idempotent.
package crdt

import (
	"crdtkit/causal"
	"crdtkit/codec"
	"crdtkit/common"
)

// Merger is implemented by every replicated type.
// Merge folds the full state of a peer replica into the receiver. It never
// fails and never changes the receiver's replica id.
type Merger[T any] interface {
	Merge(other T)
}

// Mergeable is a Merger that can also copy itself.
type Mergeable[T any] interface {
	Merger[T]
	Clone() T
}

// DeltaCRDT is implemented by types that can ship only what a peer is missing.
type DeltaCRDT[D any] interface {
	// Version returns the clock that summarises the local state.
	Version() causal.VClock
	// DeltaSince returns the state a replica at version v has not seen.
	// The boolean is false when v already dominates Version.
	DeltaSince(v causal.VClock) (D, bool)
	// ApplyDelta merges a delta. Deltas that were already applied are no-ops.
	ApplyDelta(delta D)
}

// Replicated is a replica-owned value.
type Replicated interface {
	ReplicaID() common.ReplicaID
}

func gobMarshal(v any) ([]byte, error) {
	return codec.GobMarshal(v)
}

func gobUnmarshal(data []byte, v any) error {
	return codec.GobUnmarshal(data, v)
}
