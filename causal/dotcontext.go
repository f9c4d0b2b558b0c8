package causal

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// DotContext records every dot a replica has observed.
//
// Contiguous dots per replica are folded into a vector clock prefix; dots that
// arrive ahead of a gap are parked in the cloud until the gap closes.
type DotContext struct {
	clock VClock
	cloud mapset.Set[Dot]
}

// dotContextState is the wire form of a DotContext.
type dotContextState struct {
	Clock VClock `json:"clock"`
	Cloud []Dot  `json:"cloud,omitempty"`
}

// NewDotContext creates an empty DotContext.
func NewDotContext() *DotContext {
	return &DotContext{
		clock: NewVClock(),
		cloud: mapset.NewThreadUnsafeSet[Dot](),
	}
}

// Next allocates a fresh dot for replica and marks it seen.
// The counter is strictly greater than any counter seen for replica so far.
func (dc *DotContext) Next(replica uint64) Dot {
	counter := dc.clock.Get(replica)
	dc.cloud.Each(func(d Dot) bool {
		if d.Replica == replica && d.Counter > counter {
			counter = d.Counter
		}
		return false
	})

	dot := NewDot(replica, counter+1)
	dc.Add(dot)
	return dot
}

// Add marks dot as seen.
func (dc *DotContext) Add(dot Dot) {
	current := dc.clock.Get(dot.Replica)
	switch {
	case dot.Counter == 0 || dot.Counter <= current:
		return
	case dot.Counter == current+1:
		dc.clock[dot.Replica] = dot.Counter
		dc.compact()
	default:
		dc.cloud.Add(dot)
	}
}

// HasSeen reports whether dot lies inside the clock prefix or sits in the cloud.
func (dc *DotContext) HasSeen(dot Dot) bool {
	if dot.Counter <= dc.clock.Get(dot.Replica) {
		return true
	}
	return dc.cloud.Contains(dot)
}

// Merge folds every dot seen by other into dc.
func (dc *DotContext) Merge(other *DotContext) {
	if other == nil {
		return
	}
	dc.clock.Merge(other.clock)
	other.cloud.Each(func(d Dot) bool {
		dc.cloud.Add(d)
		return false
	})
	dc.compact()
}

// Version returns a copy of the contiguous clock prefix.
func (dc *DotContext) Version() VClock {
	return dc.clock.Clone()
}

// CloudLen returns the number of out-of-order dots not yet folded into the prefix.
func (dc *DotContext) CloudLen() int {
	return dc.cloud.Cardinality()
}

// Clone returns an independent copy of dc.
func (dc *DotContext) Clone() *DotContext {
	return &DotContext{
		clock: dc.clock.Clone(),
		cloud: dc.cloud.Clone(),
	}
}

// compact moves cloud dots that extend the prefix into the clock and drops
// those already covered by it, until no more progress is possible.
func (dc *DotContext) compact() {
	for {
		progressed := false
		for _, d := range dc.cloud.ToSlice() {
			current := dc.clock.Get(d.Replica)
			switch {
			case d.Counter <= current:
				dc.cloud.Remove(d)
			case d.Counter == current+1:
				dc.clock[d.Replica] = d.Counter
				dc.cloud.Remove(d)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (dc *DotContext) state() dotContextState {
	cloud := dc.cloud.ToSlice()
	slices.SortFunc(cloud, Dot.Compare)
	return dotContextState{Clock: dc.clock.Clone(), Cloud: cloud}
}

func (dc *DotContext) restore(s dotContextState) {
	dc.clock = NewVClock()
	dc.cloud = mapset.NewThreadUnsafeSet[Dot]()
	dc.clock.Merge(s.Clock)
	for _, d := range s.Cloud {
		dc.cloud.Add(d)
	}
	dc.compact()
}

// GobEncode implements gob.GobEncoder.
func (dc *DotContext) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dc.state()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (dc *DotContext) GobDecode(data []byte) error {
	var s dotContextState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	dc.restore(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (dc *DotContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(dc.state())
}

// UnmarshalJSON implements json.Unmarshaler.
func (dc *DotContext) UnmarshalJSON(data []byte) error {
	var s dotContextState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dc.restore(s)
	return nil
}
