// Package causal provides the causal-tracking primitives shared by every
// replicated type: dots, vector clocks and the compact dot context.
package causal

import "fmt"

// Dot identifies exactly one mutation event: the replica that performed it and
// that replica's counter at the time.
type Dot struct {
	Replica uint64 `json:"replica"`
	Counter uint64 `json:"counter"`
}

// NewDot creates a new Dot.
func NewDot(replica, counter uint64) Dot {
	return Dot{Replica: replica, Counter: counter}
}

// Compare orders dots by counter, then by replica.
// Returns:
//
//	-1 if d < other
//	 0 if d == other
//	 1 if d > other
func (d Dot) Compare(other Dot) int {
	switch {
	case d.Counter < other.Counter:
		return -1
	case d.Counter > other.Counter:
		return 1
	case d.Replica < other.Replica:
		return -1
	case d.Replica > other.Replica:
		return 1
	}
	return 0
}

// String returns the string representation of the Dot.
func (d Dot) String() string {
	return fmt.Sprintf("%d.%d", d.Replica, d.Counter)
}
