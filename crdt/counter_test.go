package crdt

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtkit/causal"
)

func TestGCounter_Merge(t *testing.T) {
	a := NewGCounter(1)
	b := NewGCounter(2)

	a.Increment(10)
	b.Increment(20)

	a.Merge(b)
	assert.Equal(t, uint64(30), a.Value())

	// merging again changes nothing
	a.Merge(b)
	assert.Equal(t, uint64(30), a.Value())
	assert.Equal(t, uint64(1), a.ReplicaID())
}

func TestGCounter_IncrementZeroIsNoop(t *testing.T) {
	g := NewGCounter(1)
	g.Increment(0)
	assert.True(t, g.Version().IsZero())
	assert.Equal(t, uint64(0), g.Value())
}

func TestGCounter_Lattice(t *testing.T) {
	a, b, c := NewGCounter(1), NewGCounter(2), NewGCounter(3)
	a.Increment(3)
	b.Increment(5)
	b.Merge(a)
	b.Increment(1)
	c.Increment(7)

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)
	assert.Equal(t, ab.Value(), ba.Value())
	assert.True(t, ab.Version().Equal(ba.Version()))

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)
	bc := b.Clone()
	bc.Merge(c)
	right := a.Clone()
	right.Merge(bc)
	assert.Equal(t, left.Value(), right.Value())

	self := a.Clone()
	self.Merge(a)
	assert.Equal(t, a.Value(), self.Value())
}

func TestGCounter_Delta(t *testing.T) {
	a := NewGCounter(1)
	b := NewGCounter(2)
	a.Increment(4)

	delta, ok := a.DeltaSince(b.Version())
	require.True(t, ok)
	b.ApplyDelta(delta)
	assert.Equal(t, uint64(4), b.Value())

	_, ok = a.DeltaSince(b.Version())
	assert.False(t, ok)

	// re-applying is harmless
	b.ApplyDelta(delta)
	assert.Equal(t, uint64(4), b.Value())
}

func TestPNCounter_Value(t *testing.T) {
	p := NewPNCounter(1)
	p.Increment(10)
	p.Decrement(3)
	assert.Equal(t, int64(7), p.Value())
}

func TestPNCounter_DecrementBelowZeroSurvivesMerge(t *testing.T) {
	a := NewPNCounter(1)
	b := NewPNCounter(2)

	a.Increment(5)
	b.Merge(a)

	a.Decrement(8)
	assert.Equal(t, int64(-3), a.Value())

	b.Increment(1)
	b.Merge(a)
	a.Merge(b)

	assert.Equal(t, int64(-2), a.Value())
	assert.Equal(t, int64(-2), b.Value())
}

func TestPNCounter_Lattice(t *testing.T) {
	a, b, c := NewPNCounter(1), NewPNCounter(2), NewPNCounter(3)
	a.Increment(4)
	a.Decrement(1)
	b.Merge(a)
	b.Decrement(6)
	c.Increment(2)
	c.Merge(b)
	c.Decrement(3)
	a.Increment(5)

	merge := func(l, r *PNCounter) *PNCounter {
		out := l.Clone()
		out.Merge(r)
		return out
	}

	ab, ba := merge(a, b), merge(b, a)
	assert.Equal(t, ab.Value(), ba.Value())
	assert.True(t, ab.Version().Equal(ba.Version()))

	left, right := merge(merge(a, b), c), merge(a, merge(b, c))
	assert.Equal(t, left.Value(), right.Value())
	assert.True(t, left.Version().Equal(right.Version()))
	assert.Equal(t, int64(1), left.Value())

	assert.Equal(t, a.Value(), merge(a, a).Value())
	assert.True(t, a.Version().Equal(merge(a, a).Version()))
}

func TestPNCounter_DeltaMatchesFullMerge(t *testing.T) {
	a := NewPNCounter(1)
	b := NewPNCounter(2)
	a.Increment(3)
	b.Decrement(2)

	viaDelta := b.Clone()
	delta, ok := a.DeltaSince(b.Version())
	require.True(t, ok)
	viaDelta.ApplyDelta(delta)

	viaMerge := b.Clone()
	viaMerge.Merge(a)

	assert.Equal(t, viaMerge.Value(), viaDelta.Value())
	assert.True(t, viaMerge.Version().Equal(viaDelta.Version()))

	_, ok = a.DeltaSince(causal.VClock{1: 5})
	assert.False(t, ok)
}

func TestPNCounter_Encoding(t *testing.T) {
	p := NewPNCounter(9)
	p.Increment(10)
	p.Decrement(4)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(p))
	decoded := NewPNCounter(0)
	require.NoError(t, gob.NewDecoder(&buf).Decode(decoded))
	assert.Equal(t, int64(6), decoded.Value())
	assert.Equal(t, uint64(9), decoded.ReplicaID())

	data, err := json.Marshal(p)
	require.NoError(t, err)
	fromJSON := NewPNCounter(0)
	require.NoError(t, json.Unmarshal(data, fromJSON))
	assert.Equal(t, int64(6), fromJSON.Value())
	assert.True(t, p.Version().Equal(fromJSON.Version()))
}
