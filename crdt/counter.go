package crdt

import (
	"encoding/json"

	"crdtkit/causal"
	"crdtkit/common"
)

// GCounter is a grow-only counter. Each replica owns one slot; the value is
// the sum of all slots.
type GCounter struct {
	replica common.ReplicaID
	counts  map[uint64]uint64
	version causal.VClock
}

type gcounterState struct {
	Replica uint64            `json:"replica"`
	Counts  map[uint64]uint64 `json:"counts"`
	Version causal.VClock     `json:"version"`
}

var (
	_ Mergeable[*GCounter] = (*GCounter)(nil)
	_ DeltaCRDT[*GCounter] = (*GCounter)(nil)
)

// NewGCounter creates a GCounter owned by replica.
func NewGCounter(replica common.ReplicaID) *GCounter {
	return &GCounter{
		replica: replica,
		counts:  make(map[uint64]uint64),
		version: causal.NewVClock(),
	}
}

// ReplicaID returns the owning replica.
func (g *GCounter) ReplicaID() common.ReplicaID {
	return g.replica
}

// Increment adds amount to this replica's slot.
func (g *GCounter) Increment(amount uint64) {
	if amount == 0 {
		return
	}
	g.counts[g.replica] += amount
	g.version.Increment(g.replica)
}

// Value returns the sum of all slots.
func (g *GCounter) Value() uint64 {
	var total uint64
	for _, c := range g.counts {
		total += c
	}
	return total
}

// Merge takes the pointwise maximum of both counters.
func (g *GCounter) Merge(other *GCounter) {
	if other == nil {
		return
	}
	mergeMax(g.counts, other.counts)
	g.version.Merge(other.version)
}

// Version implements DeltaCRDT.
func (g *GCounter) Version() causal.VClock {
	return g.version.Clone()
}

// DeltaSince implements DeltaCRDT.
func (g *GCounter) DeltaSince(v causal.VClock) (*GCounter, bool) {
	if v.Dominates(g.version) {
		return nil, false
	}
	return g.Clone(), true
}

// ApplyDelta implements DeltaCRDT.
func (g *GCounter) ApplyDelta(delta *GCounter) {
	g.Merge(delta)
}

// Clone returns an independent copy.
func (g *GCounter) Clone() *GCounter {
	c := NewGCounter(g.replica)
	mergeMax(c.counts, g.counts)
	c.version.Merge(g.version)
	return c
}

func (g *GCounter) state() gcounterState {
	return gcounterState{Replica: g.replica, Counts: g.counts, Version: g.version}
}

func (g *GCounter) restore(s gcounterState) {
	*g = *NewGCounter(s.Replica)
	mergeMax(g.counts, s.Counts)
	g.version.Merge(s.Version)
}

// GobEncode implements gob.GobEncoder.
func (g *GCounter) GobEncode() ([]byte, error) {
	return gobMarshal(g.state())
}

// GobDecode implements gob.GobDecoder.
func (g *GCounter) GobDecode(data []byte) error {
	var s gcounterState
	if err := gobUnmarshal(data, &s); err != nil {
		return err
	}
	g.restore(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (g *GCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.state())
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *GCounter) UnmarshalJSON(data []byte) error {
	var s gcounterState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	g.restore(s)
	return nil
}

// PNCounter is a counter supporting increment and decrement. It is a pair of
// grow-only halves; the value is increments minus decrements.
type PNCounter struct {
	replica    common.ReplicaID
	increments map[uint64]uint64
	decrements map[uint64]uint64
	version    causal.VClock
}

type pncounterState struct {
	Replica    uint64            `json:"replica"`
	Increments map[uint64]uint64 `json:"increments"`
	Decrements map[uint64]uint64 `json:"decrements"`
	Version    causal.VClock     `json:"version"`
}

var (
	_ Mergeable[*PNCounter] = (*PNCounter)(nil)
	_ DeltaCRDT[*PNCounter] = (*PNCounter)(nil)
)

// NewPNCounter creates a PNCounter owned by replica.
func NewPNCounter(replica common.ReplicaID) *PNCounter {
	return &PNCounter{
		replica:    replica,
		increments: make(map[uint64]uint64),
		decrements: make(map[uint64]uint64),
		version:    causal.NewVClock(),
	}
}

// ReplicaID returns the owning replica.
func (p *PNCounter) ReplicaID() common.ReplicaID {
	return p.replica
}

// Increment adds amount to the counter.
func (p *PNCounter) Increment(amount uint64) {
	if amount == 0 {
		return
	}
	p.increments[p.replica] += amount
	p.version.Increment(p.replica)
}

// Decrement subtracts amount from the counter.
func (p *PNCounter) Decrement(amount uint64) {
	if amount == 0 {
		return
	}
	p.decrements[p.replica] += amount
	p.version.Increment(p.replica)
}

// Value returns increments minus decrements.
func (p *PNCounter) Value() int64 {
	var inc, dec uint64
	for _, c := range p.increments {
		inc += c
	}
	for _, c := range p.decrements {
		dec += c
	}
	return int64(inc - dec)
}

// Merge takes the pointwise maximum of each half.
func (p *PNCounter) Merge(other *PNCounter) {
	if other == nil {
		return
	}
	mergeMax(p.increments, other.increments)
	mergeMax(p.decrements, other.decrements)
	p.version.Merge(other.version)
}

// Version implements DeltaCRDT.
func (p *PNCounter) Version() causal.VClock {
	return p.version.Clone()
}

// DeltaSince implements DeltaCRDT.
func (p *PNCounter) DeltaSince(v causal.VClock) (*PNCounter, bool) {
	if v.Dominates(p.version) {
		return nil, false
	}
	return p.Clone(), true
}

// ApplyDelta implements DeltaCRDT.
func (p *PNCounter) ApplyDelta(delta *PNCounter) {
	p.Merge(delta)
}

// Clone returns an independent copy.
func (p *PNCounter) Clone() *PNCounter {
	c := NewPNCounter(p.replica)
	c.Merge(p)
	return c
}

func (p *PNCounter) state() pncounterState {
	return pncounterState{
		Replica:    p.replica,
		Increments: p.increments,
		Decrements: p.decrements,
		Version:    p.version,
	}
}

func (p *PNCounter) restore(s pncounterState) {
	*p = *NewPNCounter(s.Replica)
	mergeMax(p.increments, s.Increments)
	mergeMax(p.decrements, s.Decrements)
	p.version.Merge(s.Version)
}

// GobEncode implements gob.GobEncoder.
func (p *PNCounter) GobEncode() ([]byte, error) {
	return gobMarshal(p.state())
}

// GobDecode implements gob.GobDecoder.
func (p *PNCounter) GobDecode(data []byte) error {
	var s pncounterState
	if err := gobUnmarshal(data, &s); err != nil {
		return err
	}
	p.restore(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *PNCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.state())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PNCounter) UnmarshalJSON(data []byte) error {
	var s pncounterState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p.restore(s)
	return nil
}

func mergeMax(dst, src map[uint64]uint64) {
	for replica, c := range src {
		if c > dst[replica] {
			dst[replica] = c
		}
	}
}
