package crdtsync

import (
	"sync"

	"crdtkit/causal"
	"crdtkit/common"
)

// StateVector tracks how far a peer has progressed, as a vector clock.
// It is safe for concurrent use.
type StateVector struct {
	// vector is the highest observed counter per replica.
	vector causal.VClock

	// mutex protects vector.
	mutex sync.RWMutex
}

// NewStateVector creates an empty StateVector.
func NewStateVector() *StateVector {
	return &StateVector{vector: causal.NewVClock()}
}

// Update records that dot has been observed.
func (sv *StateVector) Update(dot causal.Dot) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()
	sv.vector.Observe(dot.Replica, dot.Counter)
}

// Merge folds other into the vector.
func (sv *StateVector) Merge(other causal.VClock) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()
	sv.vector.Merge(other)
}

// Get returns a copy of the vector.
func (sv *StateVector) Get() causal.VClock {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()
	return sv.vector.Clone()
}

// Counter returns the highest observed counter for replica.
func (sv *StateVector) Counter(replica common.ReplicaID) uint64 {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()
	return sv.vector.Get(replica)
}

// HasUpdates reports whether the vector holds anything other has not seen.
func (sv *StateVector) HasUpdates(other causal.VClock) bool {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()
	return !other.Dominates(sv.vector)
}

// IsCausallyBefore reports whether other strictly dominates the vector.
func (sv *StateVector) IsCausallyBefore(other causal.VClock) bool {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()
	return other.StrictlyDominates(sv.vector)
}
