// Package sequence implements two ordered-list CRDTs for collaborative
// editing: RGA, where each node hangs off the node it was inserted after, and
// YATA, where each node also remembers its right neighbour at insertion time.
//
// Nodes live in a flat arena addressed by ID, and ordering is computed with
// an explicit stack, so long documents never recurse.
package sequence

import (
	"cmp"
	"fmt"
	"slices"

	"crdtkit/causal"
)

// ID identifies a sequence node: a Lamport timestamp and the inserting replica.
type ID struct {
	Timestamp uint64 `json:"ts"`
	Replica   uint64 `json:"replica"`
}

// Compare orders ids by timestamp, then replica.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(id.Replica, other.Replica)
}

// String returns the string representation of the ID.
func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Timestamp, id.Replica)
}

// walk returns arena positions in document order.
//
// Every node is attached to an anchor (its parent in RGA, its left origin in
// YATA). Nodes without a known anchor are roots. Siblings are visited by
// descending id and each node is followed by its own subtree.
func walk(n int, idAt func(int) ID, anchorAt func(int) (ID, bool), has func(ID) bool) []int {
	children := make(map[ID][]int)
	var roots []int
	for i := 0; i < n; i++ {
		if anchor, ok := anchorAt(i); ok && has(anchor) {
			children[anchor] = append(children[anchor], i)
		} else {
			roots = append(roots, i)
		}
	}

	ascending := func(a, b int) int { return idAt(a).Compare(idAt(b)) }

	// The stack holds siblings ascending so that pop yields the highest id.
	slices.SortFunc(roots, ascending)
	stack := roots
	order := make([]int, 0, n)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, top)

		kids := children[idAt(top)]
		slices.SortFunc(kids, ascending)
		stack = append(stack, kids...)
	}
	return order
}

// versionOf rebuilds a clock from node ids: per replica, the highest timestamp.
func versionOf(n int, idAt func(int) ID) causal.VClock {
	clock := causal.NewVClock()
	for i := 0; i < n; i++ {
		id := idAt(i)
		clock.Observe(id.Replica, id.Timestamp)
	}
	return clock
}
