package crdt

import (
	"cmp"
	"encoding/json"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"crdtkit/causal"
	"crdtkit/common"
)

// Bias decides what survives a concurrent add and remove of the same element.
// It is a type parameter of ORSet, so a set cannot change bias after creation.
type Bias interface {
	// Name identifies the bias in encoded state.
	Name() string
	// recordsRemovals reports whether Remove leaves a removal dot behind.
	recordsRemovals() bool
}

// AddWins keeps an element when an add races a remove.
type AddWins struct{}

// Name implements Bias.
func (AddWins) Name() string { return "add-wins" }

func (AddWins) recordsRemovals() bool { return false }

// RemoveWins drops an element when an add races a remove.
type RemoveWins struct{}

// Name implements Bias.
func (RemoveWins) Name() string { return "remove-wins" }

func (RemoveWins) recordsRemovals() bool { return true }

// ORSet is an observed-remove set.
//
// Each element carries the dots of the adds that justify it. Remove drops the
// dots; the causal context remembers that they were seen, which is what lets a
// merge tell "removed there" from "not yet seen there".
//
// A remove-wins set also gives every Remove a dot of its own, kept in
// removals until a later Add of the same element observes it. An element is
// present only while it has add dots and no removal dots, so a remove that
// raced an add hides the element on every replica. Adds and removals merge
// with the same dot rule, which keeps Merge a join.
type ORSet[T comparable, B Bias] struct {
	replica  common.ReplicaID
	entries  map[T]mapset.Set[causal.Dot]
	removals map[T]mapset.Set[causal.Dot]
	context  *causal.DotContext
}

type orsetEntry[T any] struct {
	Value T            `json:"value"`
	Dots  []causal.Dot `json:"dots"`
}

type orsetState[T any] struct {
	Replica  uint64             `json:"replica"`
	Bias     string             `json:"bias"`
	Entries  []orsetEntry[T]    `json:"entries"`
	Removals []orsetEntry[T]    `json:"removals,omitempty"`
	Context  *causal.DotContext `json:"context"`
}

// NewORSet creates an ORSet owned by replica.
func NewORSet[T comparable, B Bias](replica common.ReplicaID) *ORSet[T, B] {
	return &ORSet[T, B]{
		replica:  replica,
		entries:  make(map[T]mapset.Set[causal.Dot]),
		removals: make(map[T]mapset.Set[causal.Dot]),
		context:  causal.NewDotContext(),
	}
}

// NewAddWinsSet creates an add-wins ORSet.
func NewAddWinsSet[T comparable](replica common.ReplicaID) *ORSet[T, AddWins] {
	return NewORSet[T, AddWins](replica)
}

// NewRemoveWinsSet creates a remove-wins ORSet.
func NewRemoveWinsSet[T comparable](replica common.ReplicaID) *ORSet[T, RemoveWins] {
	return NewORSet[T, RemoveWins](replica)
}

// ReplicaID returns the owning replica.
func (s *ORSet[T, B]) ReplicaID() common.ReplicaID {
	return s.replica
}

// Bias returns the name of the set's bias.
func (s *ORSet[T, B]) Bias() string {
	var b B
	return b.Name()
}

// Add inserts value under a fresh dot. It supersedes every removal of value
// this replica has seen.
func (s *ORSet[T, B]) Add(value T) {
	delete(s.removals, value)
	dot := s.context.Next(s.replica)
	dots, ok := s.entries[value]
	if !ok {
		dots = mapset.NewThreadUnsafeSet[causal.Dot]()
		s.entries[value] = dots
	}
	dots.Add(dot)
}

// Remove detaches every dot this replica knows for value. In a remove-wins
// set it also records a removal dot, which advances Version.
func (s *ORSet[T, B]) Remove(value T) {
	delete(s.entries, value)

	var bias B
	if bias.recordsRemovals() {
		s.removals[value] = mapset.NewThreadUnsafeSet(s.context.Next(s.replica))
	}
}

// Contains reports whether value is present.
func (s *ORSet[T, B]) Contains(value T) bool {
	dots, ok := s.entries[value]
	if !ok || dots.Cardinality() == 0 {
		return false
	}
	removed, ok := s.removals[value]
	return !ok || removed.Cardinality() == 0
}

// Len returns the number of present elements.
func (s *ORSet[T, B]) Len() int {
	n := 0
	for v := range s.entries {
		if s.Contains(v) {
			n++
		}
	}
	return n
}

// Elements returns the present elements in no particular order.
func (s *ORSet[T, B]) Elements() []T {
	elems := make([]T, 0, len(s.entries))
	for v := range s.entries {
		if s.Contains(v) {
			elems = append(elems, v)
		}
	}
	return elems
}

// Removals returns the number of elements holding removal dots.
func (s *ORSet[T, B]) Removals() int {
	return len(s.removals)
}

// SortedElements returns the elements of s in ascending order.
func SortedElements[T cmp.Ordered, B Bias](s *ORSet[T, B]) []T {
	elems := s.Elements()
	slices.Sort(elems)
	return elems
}

// Merge folds other into s.
func (s *ORSet[T, B]) Merge(other *ORSet[T, B]) {
	if other == nil {
		return
	}

	mergeDotMap(s.entries, other.entries, s.context, other.context)
	mergeDotMap(s.removals, other.removals, s.context, other.context)
	s.context.Merge(other.context)
}

// mergeDotMap joins the per-element dot sets of theirs into mine. Both
// contexts must be the pre-merge ones.
func mergeDotMap[T comparable](mine, theirs map[T]mapset.Set[causal.Dot], myCtx, theirCtx *causal.DotContext) {
	keys := mapset.NewThreadUnsafeSet[T]()
	for v := range mine {
		keys.Add(v)
	}
	for v := range theirs {
		keys.Add(v)
	}

	for _, v := range keys.ToSlice() {
		combined := survivingDots(dotsOf(mine, v), dotsOf(theirs, v), myCtx, theirCtx)
		if combined.Cardinality() == 0 {
			delete(mine, v)
			continue
		}
		mine[v] = combined
	}
}

// Version implements DeltaCRDT.
func (s *ORSet[T, B]) Version() causal.VClock {
	return s.context.Version()
}

// DeltaSince implements DeltaCRDT.
func (s *ORSet[T, B]) DeltaSince(v causal.VClock) (*ORSet[T, B], bool) {
	if v.Dominates(s.context.Version()) {
		return nil, false
	}
	return s.Clone(), true
}

// ApplyDelta implements DeltaCRDT.
func (s *ORSet[T, B]) ApplyDelta(delta *ORSet[T, B]) {
	s.Merge(delta)
}

// Clone returns an independent copy.
func (s *ORSet[T, B]) Clone() *ORSet[T, B] {
	c := &ORSet[T, B]{
		replica:  s.replica,
		entries:  make(map[T]mapset.Set[causal.Dot], len(s.entries)),
		removals: make(map[T]mapset.Set[causal.Dot], len(s.removals)),
		context:  s.context.Clone(),
	}
	for v, dots := range s.entries {
		c.entries[v] = dots.Clone()
	}
	for v, dots := range s.removals {
		c.removals[v] = dots.Clone()
	}
	return c
}

func (s *ORSet[T, B]) state() orsetState[T] {
	st := orsetState[T]{
		Replica: s.replica,
		Bias:    s.Bias(),
		Entries: make([]orsetEntry[T], 0, len(s.entries)),
		Context: s.context,
	}
	for v, dots := range s.entries {
		st.Entries = append(st.Entries, orsetEntry[T]{Value: v, Dots: sortedDots(dots)})
	}
	for v, dots := range s.removals {
		st.Removals = append(st.Removals, orsetEntry[T]{Value: v, Dots: sortedDots(dots)})
	}
	return st
}

func (s *ORSet[T, B]) restore(st orsetState[T]) error {
	if st.Bias != "" && st.Bias != s.Bias() {
		return common.ErrBiasMismatch{Want: s.Bias(), Got: st.Bias}
	}
	*s = *NewORSet[T, B](st.Replica)
	if st.Context != nil {
		s.context = st.Context
	}
	for _, e := range st.Entries {
		if len(e.Dots) == 0 {
			continue
		}
		s.entries[e.Value] = mapset.NewThreadUnsafeSet(e.Dots...)
	}
	for _, e := range st.Removals {
		if len(e.Dots) == 0 {
			continue
		}
		s.removals[e.Value] = mapset.NewThreadUnsafeSet(e.Dots...)
	}
	return nil
}

// GobEncode implements gob.GobEncoder.
func (s *ORSet[T, B]) GobEncode() ([]byte, error) {
	return gobMarshal(s.state())
}

// GobDecode implements gob.GobDecoder.
func (s *ORSet[T, B]) GobDecode(data []byte) error {
	var st orsetState[T]
	if err := gobUnmarshal(data, &st); err != nil {
		return err
	}
	return s.restore(st)
}

// MarshalJSON implements json.Marshaler.
func (s *ORSet[T, B]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.state())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ORSet[T, B]) UnmarshalJSON(data []byte) error {
	var st orsetState[T]
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	return s.restore(st)
}

func dotsOf[K comparable](m map[K]mapset.Set[causal.Dot], k K) mapset.Set[causal.Dot] {
	if dots, ok := m[k]; ok {
		return dots
	}
	return mapset.NewThreadUnsafeSet[causal.Dot]()
}

// survivingDots keeps a dot when the other side still lists it or has never
// seen it. A dot the other side saw and dropped was removed there.
func survivingDots(mine, theirs mapset.Set[causal.Dot], myCtx, theirCtx *causal.DotContext) mapset.Set[causal.Dot] {
	out := mapset.NewThreadUnsafeSet[causal.Dot]()
	mine.Each(func(d causal.Dot) bool {
		if theirs.Contains(d) || !theirCtx.HasSeen(d) {
			out.Add(d)
		}
		return false
	})
	theirs.Each(func(d causal.Dot) bool {
		if mine.Contains(d) || !myCtx.HasSeen(d) {
			out.Add(d)
		}
		return false
	})
	return out
}

func sortedDots(dots mapset.Set[causal.Dot]) []causal.Dot {
	out := dots.ToSlice()
	slices.SortFunc(out, causal.Dot.Compare)
	return out
}
