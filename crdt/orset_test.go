package crdt

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtkit/common"
)

func TestORSet_AddRemove(t *testing.T) {
	s := NewAddWinsSet[string](1)
	s.Add("alice")
	assert.True(t, s.Contains("alice"))
	assert.False(t, s.Contains("bob"))
	assert.Equal(t, 1, s.Len())

	s.Remove("alice")
	assert.False(t, s.Contains("alice"))
	assert.Equal(t, 0, s.Len())
}

func TestORSet_AddWins(t *testing.T) {
	a := NewAddWinsSet[string](1)
	b := NewAddWinsSet[string](2)

	a.Add("x")
	b.Merge(a)

	a.Remove("x")
	b.Add("x")

	a.Merge(b)
	assert.True(t, a.Contains("x"))

	b.Merge(a)
	assert.True(t, b.Contains("x"))
}

func TestORSet_RemoveWins(t *testing.T) {
	a := NewRemoveWinsSet[string](1)
	b := NewRemoveWinsSet[string](2)

	a.Add("x")
	b.Merge(a)

	a.Remove("x")
	b.Add("x")

	a.Merge(b)
	assert.False(t, a.Contains("x"))

	b.Merge(a)
	assert.False(t, b.Contains("x"))
}

func TestORSet_RemoveWinsAllowsLaterAdd(t *testing.T) {
	a := NewRemoveWinsSet[string](1)
	b := NewRemoveWinsSet[string](2)

	a.Add("x")
	b.Merge(a)
	b.Remove("x")
	a.Merge(b)
	assert.False(t, a.Contains("x"))

	b.Add("x")
	a.Merge(b)
	assert.True(t, a.Contains("x"))
}

func TestORSet_RemoveOnlyWhatWasSeen(t *testing.T) {
	a := NewAddWinsSet[int](1)
	b := NewAddWinsSet[int](2)

	a.Add(7)
	b.Add(7)
	a.Remove(7)

	// b's add was never seen by a
	a.Merge(b)
	assert.True(t, a.Contains(7))
}

func TestORSet_Lattice(t *testing.T) {
	a := NewAddWinsSet[string](1)
	b := NewAddWinsSet[string](2)
	c := NewAddWinsSet[string](3)

	a.Add("x")
	a.Add("y")
	b.Merge(a)
	b.Remove("x")
	b.Add("z")
	c.Add("x")
	c.Merge(b)
	c.Remove("y")
	a.Remove("z")
	a.Add("w")

	merge := func(l, r *ORSet[string, AddWins]) *ORSet[string, AddWins] {
		out := l.Clone()
		out.Merge(r)
		return out
	}

	assert.Equal(t, SortedElements(merge(a, b)), SortedElements(merge(b, a)))
	assert.Equal(t, SortedElements(merge(merge(a, b), c)), SortedElements(merge(a, merge(b, c))))
	assert.Equal(t, SortedElements(a), SortedElements(merge(a, a)))
	assert.True(t, merge(a, b).Version().Equal(merge(b, a).Version()))
}

func mergeSets[B Bias](l, r *ORSet[string, B]) *ORSet[string, B] {
	out := l.Clone()
	out.Merge(r)
	return out
}

func assertSetLattice[B Bias](t *testing.T, a, b, c *ORSet[string, B]) {
	t.Helper()
	ab, ba := mergeSets(a, b), mergeSets(b, a)
	assert.Equal(t, SortedElements(ab), SortedElements(ba), "commutativity")
	assert.True(t, ab.Version().Equal(ba.Version()), "commutativity of versions")

	left, right := mergeSets(mergeSets(a, b), c), mergeSets(a, mergeSets(b, c))
	assert.Equal(t, SortedElements(left), SortedElements(right), "associativity")
	assert.True(t, left.Version().Equal(right.Version()), "associativity of versions")

	assert.Equal(t, SortedElements(a), SortedElements(mergeSets(a, a)), "idempotence")
}

func TestORSet_RemoveWinsAssociativeAfterObservedAdd(t *testing.T) {
	a := NewRemoveWinsSet[string](1)
	b := NewRemoveWinsSet[string](2)
	c := NewRemoveWinsSet[string](3)

	a.Add("x")
	c.Merge(a)
	b.Add("x")
	a.Remove("x")

	assert.Empty(t, SortedElements(mergeSets(mergeSets(a, b), c)))
	assert.Empty(t, SortedElements(mergeSets(a, mergeSets(b, c))))
	assertSetLattice(t, a, b, c)
}

func TestORSet_RemoveWinsRemoveAdvancesVersion(t *testing.T) {
	s := NewRemoveWinsSet[string](1)
	s.Add("x")
	before := s.Version()

	s.Remove("x")
	assert.True(t, s.Version().StrictlyDominates(before))
	assert.Equal(t, 1, s.Removals())

	s.Add("x")
	assert.True(t, s.Contains("x"))
	assert.Equal(t, 0, s.Removals())
}

func randomSetHistories[B Bias](t *testing.T, seed int64, newSet func(common.ReplicaID) *ORSet[string, B]) {
	rng := rand.New(rand.NewSource(seed))
	values := []string{"x", "y", "z"}

	for round := 0; round < 300; round++ {
		replicas := []*ORSet[string, B]{newSet(1), newSet(2), newSet(3)}
		for step := 0; step < 12; step++ {
			r := replicas[rng.Intn(len(replicas))]
			v := values[rng.Intn(len(values))]
			switch rng.Intn(3) {
			case 0:
				r.Add(v)
			case 1:
				r.Remove(v)
			default:
				r.Merge(replicas[rng.Intn(len(replicas))])
			}
		}
		assertSetLattice(t, replicas[0], replicas[1], replicas[2])
		if t.Failed() {
			t.Fatalf("lattice law broken in round %d", round)
		}
	}
}

func TestORSet_RemoveWinsRandomLattice(t *testing.T) {
	randomSetHistories(t, 42, NewRemoveWinsSet[string])
}

func TestORSet_AddWinsRandomLattice(t *testing.T) {
	randomSetHistories(t, 7, NewAddWinsSet[string])
}

func TestORSet_RemoveWinsEncodingKeepsRemovals(t *testing.T) {
	a := NewRemoveWinsSet[string](1)
	b := NewRemoveWinsSet[string](2)
	a.Add("x")
	b.Merge(a)
	a.Remove("x")
	b.Add("x")

	data, err := json.Marshal(a)
	require.NoError(t, err)
	decoded := NewRemoveWinsSet[string](0)
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, 1, decoded.Removals())

	decoded.Merge(b)
	assert.False(t, decoded.Contains("x"))
}

func TestORSet_Delta(t *testing.T) {
	a := NewAddWinsSet[string](1)
	b := NewAddWinsSet[string](2)
	a.Add("x")
	b.Add("y")

	delta, ok := a.DeltaSince(b.Version())
	require.True(t, ok)
	b.ApplyDelta(delta)
	assert.Equal(t, []string{"x", "y"}, SortedElements(b))

	_, ok = a.DeltaSince(b.Version())
	assert.False(t, ok)

	b.ApplyDelta(delta)
	assert.Equal(t, []string{"x", "y"}, SortedElements(b))
}

func TestORSet_Encoding(t *testing.T) {
	s := NewAddWinsSet[string](1)
	s.Add("a")
	s.Add("b")
	s.Remove("a")

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(s))
	decoded := NewAddWinsSet[string](0)
	require.NoError(t, gob.NewDecoder(&buf).Decode(decoded))
	assert.Equal(t, []string{"b"}, SortedElements(decoded))
	assert.True(t, s.Version().Equal(decoded.Version()))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	fromJSON := NewAddWinsSet[string](0)
	require.NoError(t, json.Unmarshal(data, fromJSON))
	assert.Equal(t, []string{"b"}, SortedElements(fromJSON))
}

func TestORSet_DecodeRejectsOtherBias(t *testing.T) {
	s := NewAddWinsSet[string](1)
	s.Add("a")
	data, err := json.Marshal(s)
	require.NoError(t, err)

	other := NewRemoveWinsSet[string](2)
	err = json.Unmarshal(data, other)
	var mismatch common.ErrBiasMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "remove-wins", mismatch.Want)
	assert.Equal(t, "add-wins", mismatch.Got)
}
