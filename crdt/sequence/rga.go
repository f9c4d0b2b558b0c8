package sequence

import (
	"encoding/json"

	"crdtkit/causal"
	"crdtkit/codec"
	"crdtkit/common"
)

// RGA is a replicated growable array. Each node records the node it was
// inserted after; concurrent inserts after the same node are ordered by
// descending id, so the newest lands closest to the anchor.
type RGA[T any] struct {
	replica   common.ReplicaID
	timestamp uint64
	nodes     []rgaNode[T]
	index     map[ID]int
}

type rgaNode[T any] struct {
	ID      ID   `json:"id"`
	Value   T    `json:"value"`
	Deleted bool `json:"deleted,omitempty"`
	Parent  *ID  `json:"parent,omitempty"`
}

type rgaState[T any] struct {
	Replica   uint64       `json:"replica"`
	Timestamp uint64       `json:"timestamp"`
	Nodes     []rgaNode[T] `json:"nodes"`
}

// NewRGA creates an empty RGA owned by replica.
func NewRGA[T any](replica common.ReplicaID) *RGA[T] {
	return &RGA[T]{replica: replica, index: make(map[ID]int)}
}

// ReplicaID returns the owning replica.
func (r *RGA[T]) ReplicaID() common.ReplicaID {
	return r.replica
}

// Append adds value after the last visible element.
func (r *RGA[T]) Append(value T) {
	visible := r.visible()
	var parent *ID
	if len(visible) > 0 {
		id := r.nodes[visible[len(visible)-1]].ID
		parent = &id
	}
	r.insert(value, parent)
}

// InsertBefore places value so that it becomes element i.
func (r *RGA[T]) InsertBefore(i int, value T) error {
	if i == 0 {
		r.insert(value, nil)
		return nil
	}
	return r.InsertAfter(i-1, value)
}

// InsertAfter places value directly after element i.
func (r *RGA[T]) InsertAfter(i int, value T) error {
	pos, err := r.position(i)
	if err != nil {
		return err
	}
	id := r.nodes[pos].ID
	r.insert(value, &id)
	return nil
}

// Remove tombstones element i.
func (r *RGA[T]) Remove(i int) error {
	pos, err := r.position(i)
	if err != nil {
		return err
	}
	r.nodes[pos].Deleted = true
	return nil
}

// Get returns element i.
func (r *RGA[T]) Get(i int) (T, bool) {
	var zero T
	pos, err := r.position(i)
	if err != nil {
		return zero, false
	}
	return r.nodes[pos].Value, true
}

// Len returns the number of visible elements.
func (r *RGA[T]) Len() int {
	return len(r.visible())
}

// ToSlice returns the visible elements in order.
func (r *RGA[T]) ToSlice() []T {
	visible := r.visible()
	out := make([]T, len(visible))
	for i, pos := range visible {
		out[i] = r.nodes[pos].Value
	}
	return out
}

// Merge adds nodes unknown to r and propagates tombstones.
func (r *RGA[T]) Merge(other *RGA[T]) {
	if other == nil {
		return
	}
	r.timestamp = max(r.timestamp, other.timestamp)
	for _, n := range other.nodes {
		r.timestamp = max(r.timestamp, n.ID.Timestamp)
		if pos, ok := r.index[n.ID]; ok {
			r.nodes[pos].Deleted = r.nodes[pos].Deleted || n.Deleted
			continue
		}
		r.index[n.ID] = len(r.nodes)
		r.nodes = append(r.nodes, cloneRGANode(n))
	}
}

// Version implements crdt.DeltaCRDT. It scans every node.
func (r *RGA[T]) Version() causal.VClock {
	return versionOf(len(r.nodes), func(i int) ID { return r.nodes[i].ID })
}

// DeltaSince implements crdt.DeltaCRDT.
func (r *RGA[T]) DeltaSince(v causal.VClock) (*RGA[T], bool) {
	if v.Dominates(r.Version()) {
		return nil, false
	}
	return r.Clone(), true
}

// ApplyDelta implements crdt.DeltaCRDT.
func (r *RGA[T]) ApplyDelta(delta *RGA[T]) {
	r.Merge(delta)
}

// Clone returns an independent copy.
func (r *RGA[T]) Clone() *RGA[T] {
	c := NewRGA[T](r.replica)
	c.timestamp = r.timestamp
	c.nodes = make([]rgaNode[T], 0, len(r.nodes))
	for _, n := range r.nodes {
		c.index[n.ID] = len(c.nodes)
		c.nodes = append(c.nodes, cloneRGANode(n))
	}
	return c
}

// Tombstones returns the number of deleted nodes still held.
func (r *RGA[T]) Tombstones() int {
	n := 0
	for _, node := range r.nodes {
		if node.Deleted {
			n++
		}
	}
	return n
}

func (r *RGA[T]) insert(value T, parent *ID) {
	r.timestamp++
	id := ID{Timestamp: r.timestamp, Replica: r.replica}
	r.index[id] = len(r.nodes)
	r.nodes = append(r.nodes, rgaNode[T]{ID: id, Value: value, Parent: parent})
}

func (r *RGA[T]) order() []int {
	return walk(len(r.nodes),
		func(i int) ID { return r.nodes[i].ID },
		func(i int) (ID, bool) {
			if p := r.nodes[i].Parent; p != nil {
				return *p, true
			}
			return ID{}, false
		},
		func(id ID) bool { _, ok := r.index[id]; return ok },
	)
}

func (r *RGA[T]) visible() []int {
	order := r.order()
	out := order[:0]
	for _, pos := range order {
		if !r.nodes[pos].Deleted {
			out = append(out, pos)
		}
	}
	return out
}

func (r *RGA[T]) position(i int) (int, error) {
	visible := r.visible()
	if i < 0 || i >= len(visible) {
		return 0, common.ErrIndexOutOfRange{Index: i, Length: len(visible)}
	}
	return visible[i], nil
}

func (r *RGA[T]) restore(st rgaState[T]) {
	*r = *NewRGA[T](st.Replica)
	r.timestamp = st.Timestamp
	r.Merge(&RGA[T]{nodes: st.Nodes})
}

// GobEncode implements gob.GobEncoder.
func (r *RGA[T]) GobEncode() ([]byte, error) {
	return codec.GobMarshal(rgaState[T]{Replica: r.replica, Timestamp: r.timestamp, Nodes: r.nodes})
}

// GobDecode implements gob.GobDecoder.
func (r *RGA[T]) GobDecode(data []byte) error {
	var st rgaState[T]
	if err := codec.GobUnmarshal(data, &st); err != nil {
		return err
	}
	r.restore(st)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *RGA[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(rgaState[T]{Replica: r.replica, Timestamp: r.timestamp, Nodes: r.nodes})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RGA[T]) UnmarshalJSON(data []byte) error {
	var st rgaState[T]
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	r.restore(st)
	return nil
}

func cloneRGANode[T any](n rgaNode[T]) rgaNode[T] {
	if n.Parent != nil {
		p := *n.Parent
		n.Parent = &p
	}
	return n
}
