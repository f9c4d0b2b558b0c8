package causal

import (
	"fmt"
	"slices"
	"strings"
)

// VClock maps a replica id to the highest counter observed for that replica.
// Replicas that are absent read as zero. A VClock must be created with
// NewVClock (or a literal) before it is mutated.
type VClock map[uint64]uint64

// NewVClock creates an empty vector clock.
func NewVClock() VClock {
	return make(VClock)
}

// Increment advances the counter of replica and returns the new count.
func (vc VClock) Increment(replica uint64) uint64 {
	vc[replica]++
	return vc[replica]
}

// Get returns the counter of replica.
func (vc VClock) Get(replica uint64) uint64 {
	return vc[replica]
}

// Observe raises the counter of replica to at least counter.
func (vc VClock) Observe(replica, counter uint64) {
	if counter > vc[replica] {
		vc[replica] = counter
	}
}

// Merge takes the pointwise maximum of vc and other into vc.
func (vc VClock) Merge(other VClock) {
	for replica, counter := range other {
		vc.Observe(replica, counter)
	}
}

// Dominates reports whether vc has seen everything other has seen.
func (vc VClock) Dominates(other VClock) bool {
	for replica, counter := range other {
		if vc[replica] < counter {
			return false
		}
	}
	return true
}

// StrictlyDominates reports whether vc dominates other and differs from it.
func (vc VClock) StrictlyDominates(other VClock) bool {
	return vc.Dominates(other) && !other.Dominates(vc)
}

// Concurrent reports whether neither clock dominates the other.
func (vc VClock) Concurrent(other VClock) bool {
	return !vc.Dominates(other) && !other.Dominates(vc)
}

// Equal reports whether both clocks carry the same counters. Zero entries are ignored.
func (vc VClock) Equal(other VClock) bool {
	return vc.Dominates(other) && other.Dominates(vc)
}

// IsZero reports whether no replica has a non-zero counter.
func (vc VClock) IsZero() bool {
	for _, counter := range vc {
		if counter > 0 {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of vc.
func (vc VClock) Clone() VClock {
	c := make(VClock, len(vc))
	for replica, counter := range vc {
		if counter > 0 {
			c[replica] = counter
		}
	}
	return c
}

// Replicas returns the replicas with a non-zero counter in ascending order.
func (vc VClock) Replicas() []uint64 {
	replicas := make([]uint64, 0, len(vc))
	for replica, counter := range vc {
		if counter > 0 {
			replicas = append(replicas, replica)
		}
	}
	slices.Sort(replicas)
	return replicas
}

// Compare gives clocks a deterministic total order, used only to make
// iteration over concurrent values stable across replicas.
func (vc VClock) Compare(other VClock) int {
	a, b := vc.Replicas(), other.Replicas()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
		ca, cb := vc[a[i]], other[b[i]]
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// String returns the string representation of the VClock.
func (vc VClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, replica := range vc.Replicas() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d:%d", replica, vc[replica])
	}
	b.WriteByte('}')
	return b.String()
}
