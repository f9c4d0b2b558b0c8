package sequence

import (
	"encoding/json"

	"crdtkit/causal"
	"crdtkit/codec"
	"crdtkit/common"
)

// YATA is an origin-linked sequence. Each item records its left and right
// neighbours at insertion time; ordering follows the left origins, which
// keeps runs typed by one replica together under concurrent editing.
type YATA[T any] struct {
	replica common.ReplicaID
	clock   uint64
	items   []yataItem[T]
	index   map[ID]int
}

type yataItem[T any] struct {
	ID          ID   `json:"id"`
	Value       T    `json:"value"`
	Deleted     bool `json:"deleted,omitempty"`
	OriginLeft  *ID  `json:"originLeft,omitempty"`
	OriginRight *ID  `json:"originRight,omitempty"`
}

type yataState[T any] struct {
	Replica uint64        `json:"replica"`
	Clock   uint64        `json:"clock"`
	Items   []yataItem[T] `json:"items"`
}

// NewYATA creates an empty YATA owned by replica.
func NewYATA[T any](replica common.ReplicaID) *YATA[T] {
	return &YATA[T]{replica: replica, index: make(map[ID]int)}
}

// ReplicaID returns the owning replica.
func (y *YATA[T]) ReplicaID() common.ReplicaID {
	return y.replica
}

// Append adds value after the last visible item.
func (y *YATA[T]) Append(value T) {
	visible := y.visible()
	var left *ID
	if len(visible) > 0 {
		left = y.idPtr(visible[len(visible)-1])
	}
	y.insert(value, left, nil)
}

// InsertBefore places value so that it becomes item i.
func (y *YATA[T]) InsertBefore(i int, value T) error {
	if i != 0 {
		return y.InsertAfter(i-1, value)
	}
	var right *ID
	if visible := y.visible(); len(visible) > 0 {
		right = y.idPtr(visible[0])
	}
	y.insert(value, nil, right)
	return nil
}

// InsertAfter places value directly after item i.
func (y *YATA[T]) InsertAfter(i int, value T) error {
	visible := y.visible()
	if i < 0 || i >= len(visible) {
		return common.ErrIndexOutOfRange{Index: i, Length: len(visible)}
	}
	var right *ID
	if i+1 < len(visible) {
		right = y.idPtr(visible[i+1])
	}
	y.insert(value, y.idPtr(visible[i]), right)
	return nil
}

// Remove tombstones item i.
func (y *YATA[T]) Remove(i int) error {
	pos, err := y.position(i)
	if err != nil {
		return err
	}
	y.items[pos].Deleted = true
	return nil
}

// Get returns item i.
func (y *YATA[T]) Get(i int) (T, bool) {
	var zero T
	pos, err := y.position(i)
	if err != nil {
		return zero, false
	}
	return y.items[pos].Value, true
}

// Len returns the number of visible items.
func (y *YATA[T]) Len() int {
	return len(y.visible())
}

// ToSlice returns the visible items in order.
func (y *YATA[T]) ToSlice() []T {
	visible := y.visible()
	out := make([]T, len(visible))
	for i, pos := range visible {
		out[i] = y.items[pos].Value
	}
	return out
}

// Merge adds items unknown to y and propagates tombstones.
func (y *YATA[T]) Merge(other *YATA[T]) {
	if other == nil {
		return
	}
	y.clock = max(y.clock, other.clock)
	for _, it := range other.items {
		y.clock = max(y.clock, it.ID.Timestamp)
		if pos, ok := y.index[it.ID]; ok {
			y.items[pos].Deleted = y.items[pos].Deleted || it.Deleted
			continue
		}
		y.index[it.ID] = len(y.items)
		y.items = append(y.items, cloneYATAItem(it))
	}
}

// Version implements crdt.DeltaCRDT. It scans every item.
func (y *YATA[T]) Version() causal.VClock {
	return versionOf(len(y.items), func(i int) ID { return y.items[i].ID })
}

// DeltaSince implements crdt.DeltaCRDT.
func (y *YATA[T]) DeltaSince(v causal.VClock) (*YATA[T], bool) {
	if v.Dominates(y.Version()) {
		return nil, false
	}
	return y.Clone(), true
}

// ApplyDelta implements crdt.DeltaCRDT.
func (y *YATA[T]) ApplyDelta(delta *YATA[T]) {
	y.Merge(delta)
}

// Clone returns an independent copy.
func (y *YATA[T]) Clone() *YATA[T] {
	c := NewYATA[T](y.replica)
	c.clock = y.clock
	c.items = make([]yataItem[T], 0, len(y.items))
	for _, it := range y.items {
		c.index[it.ID] = len(c.items)
		c.items = append(c.items, cloneYATAItem(it))
	}
	return c
}

// Tombstones returns the number of deleted items still held.
func (y *YATA[T]) Tombstones() int {
	n := 0
	for _, it := range y.items {
		if it.Deleted {
			n++
		}
	}
	return n
}

func (y *YATA[T]) insert(value T, left, right *ID) {
	y.clock++
	id := ID{Timestamp: y.clock, Replica: y.replica}
	y.index[id] = len(y.items)
	y.items = append(y.items, yataItem[T]{ID: id, Value: value, OriginLeft: left, OriginRight: right})
}

func (y *YATA[T]) idPtr(pos int) *ID {
	id := y.items[pos].ID
	return &id
}

func (y *YATA[T]) order() []int {
	return walk(len(y.items),
		func(i int) ID { return y.items[i].ID },
		func(i int) (ID, bool) {
			if l := y.items[i].OriginLeft; l != nil {
				return *l, true
			}
			return ID{}, false
		},
		func(id ID) bool { _, ok := y.index[id]; return ok },
	)
}

func (y *YATA[T]) visible() []int {
	order := y.order()
	out := order[:0]
	for _, pos := range order {
		if !y.items[pos].Deleted {
			out = append(out, pos)
		}
	}
	return out
}

func (y *YATA[T]) position(i int) (int, error) {
	visible := y.visible()
	if i < 0 || i >= len(visible) {
		return 0, common.ErrIndexOutOfRange{Index: i, Length: len(visible)}
	}
	return visible[i], nil
}

func (y *YATA[T]) restore(st yataState[T]) {
	*y = *NewYATA[T](st.Replica)
	y.clock = st.Clock
	y.Merge(&YATA[T]{items: st.Items})
}

// GobEncode implements gob.GobEncoder.
func (y *YATA[T]) GobEncode() ([]byte, error) {
	return codec.GobMarshal(yataState[T]{Replica: y.replica, Clock: y.clock, Items: y.items})
}

// GobDecode implements gob.GobDecoder.
func (y *YATA[T]) GobDecode(data []byte) error {
	var st yataState[T]
	if err := codec.GobUnmarshal(data, &st); err != nil {
		return err
	}
	y.restore(st)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (y *YATA[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(yataState[T]{Replica: y.replica, Clock: y.clock, Items: y.items})
}

// UnmarshalJSON implements json.Unmarshaler.
func (y *YATA[T]) UnmarshalJSON(data []byte) error {
	var st yataState[T]
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	y.restore(st)
	return nil
}

func cloneYATAItem[T any](it yataItem[T]) yataItem[T] {
	if it.OriginLeft != nil {
		l := *it.OriginLeft
		it.OriginLeft = &l
	}
	if it.OriginRight != nil {
		r := *it.OriginRight
		it.OriginRight = &r
	}
	return it
}
