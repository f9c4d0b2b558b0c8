package crdt

import (
	"encoding/json"

	mapset "github.com/deckarep/golang-set/v2"

	"crdtkit/causal"
	"crdtkit/common"
)

// ORMap is an observed-remove map whose values are themselves replicated
// types. Key presence follows the add-wins ORSet rules; values are merged for
// every key either side holds, whether or not the key is currently visible,
// so a value keeps its history when its key is re-added.
type ORMap[K comparable, V Mergeable[V]] struct {
	replica  common.ReplicaID
	keys     map[K]mapset.Set[causal.Dot]
	values   map[K]V
	context  *causal.DotContext
	newValue func() V
}

type ormapKey[K any] struct {
	Key  K            `json:"key"`
	Dots []causal.Dot `json:"dots"`
}

type ormapValue[K any, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

type ormapState[K any, V any] struct {
	Replica uint64             `json:"replica"`
	Keys    []ormapKey[K]      `json:"keys"`
	Values  []ormapValue[K, V] `json:"values"`
	Context *causal.DotContext `json:"context"`
}

// NewORMap creates an ORMap owned by replica. newValue builds the empty value
// for a key seen for the first time.
func NewORMap[K comparable, V Mergeable[V]](replica common.ReplicaID, newValue func() V) *ORMap[K, V] {
	return &ORMap[K, V]{
		replica:  replica,
		keys:     make(map[K]mapset.Set[causal.Dot]),
		values:   make(map[K]V),
		context:  causal.NewDotContext(),
		newValue: newValue,
	}
}

// ReplicaID returns the owning replica.
func (m *ORMap[K, V]) ReplicaID() common.ReplicaID {
	return m.replica
}

// GetOrInsert marks key present under a fresh dot and returns its value,
// creating it when needed. A new dot is allocated on every call so that the
// write is visible to Version.
func (m *ORMap[K, V]) GetOrInsert(key K) V {
	dot := m.context.Next(m.replica)
	dots, ok := m.keys[key]
	if !ok {
		dots = mapset.NewThreadUnsafeSet[causal.Dot]()
		m.keys[key] = dots
	}
	dots.Add(dot)

	v, ok := m.values[key]
	if !ok && m.newValue != nil {
		v = m.newValue()
		m.values[key] = v
	}
	return v
}

// Update applies fn to the value of key, inserting key when absent.
func (m *ORMap[K, V]) Update(key K, fn func(V)) {
	v := m.GetOrInsert(key)
	if _, ok := m.values[key]; ok {
		fn(v)
	}
}

// Get returns the value for key when key is present.
func (m *ORMap[K, V]) Get(key K) (V, bool) {
	var zero V
	if !m.ContainsKey(key) {
		return zero, false
	}
	v, ok := m.values[key]
	return v, ok
}

// ContainsKey reports whether key is present.
func (m *ORMap[K, V]) ContainsKey(key K) bool {
	dots, ok := m.keys[key]
	return ok && dots.Cardinality() > 0
}

// Remove hides key. Its value is kept for merges.
func (m *ORMap[K, V]) Remove(key K) {
	delete(m.keys, key)
}

// Len returns the number of present keys.
func (m *ORMap[K, V]) Len() int {
	n := 0
	for _, dots := range m.keys {
		if dots.Cardinality() > 0 {
			n++
		}
	}
	return n
}

// Keys returns the present keys in no particular order.
func (m *ORMap[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.keys))
	for k, dots := range m.keys {
		if dots.Cardinality() > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// Merge folds other into m.
func (m *ORMap[K, V]) Merge(other *ORMap[K, V]) {
	if other == nil {
		return
	}

	for k, ov := range other.values {
		mine, ok := m.values[k]
		switch {
		case ok:
			mine.Merge(ov)
		case m.newValue != nil:
			// a local value keeps this replica's identity
			mine = m.newValue()
			mine.Merge(ov)
			m.values[k] = mine
		default:
			m.values[k] = ov.Clone()
		}
	}

	keys := mapset.NewThreadUnsafeSet[K]()
	for k := range m.keys {
		keys.Add(k)
	}
	for k := range other.keys {
		keys.Add(k)
	}
	for _, k := range keys.ToSlice() {
		combined := survivingDots(dotsOf(m.keys, k), dotsOf(other.keys, k), m.context, other.context)
		if combined.Cardinality() == 0 {
			delete(m.keys, k)
			continue
		}
		m.keys[k] = combined
	}

	m.context.Merge(other.context)
}

// Version implements DeltaCRDT.
func (m *ORMap[K, V]) Version() causal.VClock {
	return m.context.Version()
}

// DeltaSince implements DeltaCRDT.
func (m *ORMap[K, V]) DeltaSince(v causal.VClock) (*ORMap[K, V], bool) {
	if v.Dominates(m.context.Version()) {
		return nil, false
	}
	return m.Clone(), true
}

// ApplyDelta implements DeltaCRDT.
func (m *ORMap[K, V]) ApplyDelta(delta *ORMap[K, V]) {
	m.Merge(delta)
}

// Clone returns an independent copy.
func (m *ORMap[K, V]) Clone() *ORMap[K, V] {
	c := NewORMap[K, V](m.replica, m.newValue)
	c.context = m.context.Clone()
	for k, dots := range m.keys {
		c.keys[k] = dots.Clone()
	}
	for k, v := range m.values {
		c.values[k] = v.Clone()
	}
	return c
}

func (m *ORMap[K, V]) state() ormapState[K, V] {
	st := ormapState[K, V]{
		Replica: m.replica,
		Keys:    make([]ormapKey[K], 0, len(m.keys)),
		Values:  make([]ormapValue[K, V], 0, len(m.values)),
		Context: m.context,
	}
	for k, dots := range m.keys {
		st.Keys = append(st.Keys, ormapKey[K]{Key: k, Dots: sortedDots(dots)})
	}
	for k, v := range m.values {
		st.Values = append(st.Values, ormapValue[K, V]{Key: k, Value: v})
	}
	return st
}

func (m *ORMap[K, V]) restore(st ormapState[K, V]) {
	*m = *NewORMap[K, V](st.Replica, m.newValue)
	if st.Context != nil {
		m.context = st.Context
	}
	for _, k := range st.Keys {
		if len(k.Dots) == 0 {
			continue
		}
		m.keys[k.Key] = mapset.NewThreadUnsafeSet(k.Dots...)
	}
	for _, v := range st.Values {
		m.values[v.Key] = v.Value
	}
}

// GobEncode implements gob.GobEncoder.
func (m *ORMap[K, V]) GobEncode() ([]byte, error) {
	return gobMarshal(m.state())
}

// GobDecode implements gob.GobDecoder.
func (m *ORMap[K, V]) GobDecode(data []byte) error {
	var st ormapState[K, V]
	if err := gobUnmarshal(data, &st); err != nil {
		return err
	}
	m.restore(st)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m *ORMap[K, V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.state())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ORMap[K, V]) UnmarshalJSON(data []byte) error {
	var st ormapState[K, V]
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	m.restore(st)
	return nil
}
