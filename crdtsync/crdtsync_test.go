package crdtsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtkit/causal"
	"crdtkit/codec"
	"crdtkit/common"
	"crdtkit/crdt"
	"crdtkit/crdtpubsub"
	"crdtkit/crdtstorage"
	"crdtkit/journal"
)

const topic = "replicas"

func counterFactory(replica common.ReplicaID) func() *crdt.PNCounter {
	return func() *crdt.PNCounter { return crdt.NewPNCounter(replica) }
}

func increment(n uint64) func(*crdt.PNCounter) error {
	return func(c *crdt.PNCounter) error {
		c.Increment(n)
		return nil
	}
}

func newDistributedCounter(t *testing.T, s crdtstorage.Storage, ch crdtpubsub.Channel, replica common.ReplicaID, opts Options) *Distributed[*crdt.PNCounter] {
	t.Helper()
	j, err := journal.Mount(context.Background(), s, "counter.journal", counterFactory(replica))
	require.NoError(t, err)

	opts.Replica = replica
	if opts.Topic == "" {
		opts.Topic = topic
	}
	d, err := NewDistributed(j, ch, counterFactory(replica), opts)
	require.NoError(t, err)
	return d
}

func TestDistributed_Replicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	storeB := crdtstorage.NewMemoryAdapter()
	a := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), ch, 1, Options{})
	b := newDistributedCounter(t, storeB, ch, 2, Options{})
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.Mutate(ctx, increment(3)))
	require.NoError(t, b.Mutate(ctx, increment(4)))

	require.Eventually(t, func() bool {
		return a.Get().Value() == 7 && b.Get().Value() == 7
	}, 5*time.Second, 10*time.Millisecond)

	// b persisted what it merged
	require.NoError(t, b.Stop())
	j, err := journal.Mount(ctx, storeB, "counter.journal", counterFactory(2))
	require.NoError(t, err)
	assert.Equal(t, int64(7), j.Get().Value())
	assert.Equal(t, common.ReplicaID(2), j.Get().ReplicaID())
}

func TestDistributed_SkipsOwnAndMalformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), ch, 1, Options{})
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	require.NoError(t, ch.Publish(ctx, topic, []byte("garbage")))

	sealer, err := crdtpubsub.NewSealer(9)
	require.NoError(t, err)
	bad, err := sealer.Seal(codec.FormatGob, []byte{0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, topic, bad))

	require.NoError(t, a.Mutate(ctx, increment(1)))

	peer := crdt.NewPNCounter(9)
	peer.Increment(10)
	payload, err := codec.GobCodec{}.Encode(peer)
	require.NoError(t, err)
	good, err := sealer.Seal(codec.FormatGob, payload)
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, topic, good))

	select {
	case <-a.RemoteMerges():
	case <-time.After(5 * time.Second):
		t.Fatal("peer state was not merged")
	}
	assert.Equal(t, int64(11), a.Get().Value())
	// one local mutation and one merge; own broadcast and garbage left no entries
	assert.Equal(t, 2, a.Journal().EntryCount())
}

func TestDistributed_AutoCompact(t *testing.T) {
	ctx := context.Background()
	d := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), nil, 1, Options{CompactThreshold: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Mutate(ctx, increment(1)))
	}
	assert.LessOrEqual(t, d.Journal().EntryCount(), 3)
	assert.Equal(t, int64(5), d.Get().Value())
}

func TestDistributed_LocalOnly(t *testing.T) {
	ctx := context.Background()
	d := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), nil, 1, Options{})

	require.NoError(t, d.Mutate(ctx, increment(2)))
	assert.Equal(t, int64(2), d.Get().Value())
	assert.Error(t, d.Start(ctx))
	assert.NoError(t, d.Stop())
}

func TestDistributed_StartTwice(t *testing.T) {
	ctx := context.Background()
	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	d := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), ch, 1, Options{})
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.Eventually(t, func() bool {
		return ch.SubscriberCount(topic) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDistributed_PeriodicSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), nil, 1, Options{})
	require.NoError(t, a.Mutate(ctx, increment(5)))

	// a joins the network after its mutation was made
	a.channel = ch
	a.options.SyncInterval = 20 * time.Millisecond

	b := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), ch, 2, Options{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	defer b.Stop()

	require.Eventually(t, func() bool {
		return b.Get().Value() == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDistributed_JSONFormat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), ch, 1, Options{Format: codec.FormatJSON})
	b := newDistributedCounter(t, crdtstorage.NewMemoryAdapter(), ch, 2, Options{})
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	require.NoError(t, a.Mutate(ctx, increment(2)))
	require.Eventually(t, func() bool {
		return b.Get().Value() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewDistributed_InvalidFormat(t *testing.T) {
	j, err := journal.Mount(context.Background(), crdtstorage.NewMemoryAdapter(), "x", counterFactory(1))
	require.NoError(t, err)
	_, err = NewDistributed(j, nil, counterFactory(1), Options{Format: "xml"})
	assert.Error(t, err)
}

func newCounterReplicator(t *testing.T, ch crdtpubsub.Channel, replica common.ReplicaID, opts Options) *DeltaReplicator[*crdt.PNCounter] {
	t.Helper()
	opts.Replica = replica
	opts.Topic = topic
	r, err := NewDeltaReplicator(crdt.NewPNCounter(replica), counterFactory(replica), ch, opts)
	require.NoError(t, err)
	return r
}

func TestDeltaReplicator_Live(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newCounterReplicator(t, ch, 1, Options{})
	b := newCounterReplicator(t, ch, 2, Options{})
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.Update(ctx, func(c *crdt.PNCounter) { c.Increment(2) }))
	require.NoError(t, b.Update(ctx, func(c *crdt.PNCounter) { c.Decrement(1) }))

	require.Eventually(t, func() bool {
		return a.Get().Value() == 1 && b.Get().Value() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, a.Version().Equal(b.Version()))
	assert.Equal(t, uint64(1), b.PeerVersion(1).Get(1))
}

func TestDeltaReplicator_CatchUp(t *testing.T) {
	for _, tc := range []struct {
		name     string
		capacity int
	}{
		{"FromBuffer", 16},
		{"FullStateFallback", 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch := crdtpubsub.NewMemoryChannel(0)
			defer ch.Close()

			a := newCounterReplicator(t, ch, 1, Options{BufferSize: tc.capacity})
			require.NoError(t, a.Start(ctx))
			defer a.Stop()

			for i := 0; i < 5; i++ {
				require.NoError(t, a.Update(ctx, func(c *crdt.PNCounter) { c.Increment(1) }))
			}

			// b missed every live delta
			b := newCounterReplicator(t, ch, 2, Options{})
			require.NoError(t, b.Start(ctx))
			defer b.Stop()
			require.NoError(t, b.RequestSync(ctx, 1))

			require.Eventually(t, func() bool {
				return b.Get().Value() == 5
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestDeltaReplicator_ExistingHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	// a has history b never saw
	initial := crdt.NewPNCounter(1)
	initial.Increment(10)
	a, err := NewDeltaReplicator(initial, counterFactory(1), ch, Options{Replica: 1, Topic: topic})
	require.NoError(t, err)
	b := newCounterReplicator(t, ch, 2, Options{})
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.Update(ctx, func(c *crdt.PNCounter) { c.Increment(1) }))

	require.Eventually(t, func() bool {
		return b.Get().Value() == 11
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeltaReplicator_RemovalSendsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	newSet := func(replica common.ReplicaID) func() *crdt.ORSet[string, crdt.AddWins] {
		return func() *crdt.ORSet[string, crdt.AddWins] { return crdt.NewAddWinsSet[string](replica) }
	}
	a, err := NewDeltaReplicator(newSet(1)(), newSet(1), ch, Options{Replica: 1, Topic: topic})
	require.NoError(t, err)
	b, err := NewDeltaReplicator(newSet(2)(), newSet(2), ch, Options{Replica: 2, Topic: topic})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.Update(ctx, func(s *crdt.ORSet[string, crdt.AddWins]) { s.Add("x") }))
	require.Eventually(t, func() bool { return b.Get().Contains("x") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Update(ctx, func(s *crdt.ORSet[string, crdt.AddWins]) { s.Remove("x") }))
	require.Eventually(t, func() bool { return !b.Get().Contains("x") }, 5*time.Second, 10*time.Millisecond)
}

type wordSet = crdt.ORSet[string, crdt.AddWins]

func newSetReplicator(t *testing.T, ch crdtpubsub.Channel, replica common.ReplicaID) *DeltaReplicator[*wordSet] {
	t.Helper()
	newFn := func() *wordSet { return crdt.NewAddWinsSet[string](replica) }
	r, err := NewDeltaReplicator(newFn(), newFn, ch, Options{Replica: replica, Topic: topic})
	require.NoError(t, err)
	return r
}

func TestDeltaReplicator_CatchUpAfterRemoval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newSetReplicator(t, ch, 1)
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	require.NoError(t, a.Update(ctx, func(s *wordSet) { s.Add("x") }))
	require.NoError(t, a.Update(ctx, func(s *wordSet) { s.Add("y") }))
	require.NoError(t, a.Update(ctx, func(s *wordSet) { s.Remove("x") }))

	// b joins after the removal and only has the catch-up answer
	b := newSetReplicator(t, ch, 2)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()
	require.NoError(t, b.RequestSync(ctx, 1))

	require.Eventually(t, func() bool {
		return b.Version().Equal(a.Version()) && b.Get().Contains("y")
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, b.Get().Contains("x"))
	assert.Equal(t, crdt.SortedElements(a.Get()), crdt.SortedElements(b.Get()))
}

func TestDeltaReplicator_CatchUpMissedRemovalAtSameVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newSetReplicator(t, ch, 1)
	b := newSetReplicator(t, ch, 2)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop()

	require.NoError(t, a.Update(ctx, func(s *wordSet) { s.Add("x") }))
	require.Eventually(t, func() bool { return b.Get().Contains("x") }, 5*time.Second, 10*time.Millisecond)

	// the removal keeps a's version, and b is offline when it is published
	require.NoError(t, b.Stop())
	require.NoError(t, a.Update(ctx, func(s *wordSet) { s.Remove("x") }))
	require.True(t, b.Version().Equal(a.Version()))

	require.NoError(t, b.Start(ctx))
	defer b.Stop()
	require.NoError(t, b.RequestSync(ctx, 1))

	require.Eventually(t, func() bool { return !b.Get().Contains("x") }, 5*time.Second, 10*time.Millisecond)
}

func TestDeltaReplicator_IgnoresOthersTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	b := newCounterReplicator(t, ch, 2, Options{})
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	sealer, err := crdtpubsub.NewSealer(3)
	require.NoError(t, err)

	peer := crdt.NewPNCounter(3)
	peer.Increment(4)
	payload, err := codec.GobCodec{}.Encode(peer)
	require.NoError(t, err)

	// addressed to someone else
	body, err := codec.GobCodec{}.Encode(syncMessage{Kind: kindState, Target: 7, Version: peer.Version(), Payloads: [][]byte{payload}})
	require.NoError(t, err)
	data, err := sealer.Seal(codec.FormatGob, body)
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, topic, data))

	// addressed to b
	body, err = codec.GobCodec{}.Encode(syncMessage{Kind: kindState, Target: 2, Version: peer.Version(), Payloads: [][]byte{payload}})
	require.NoError(t, err)
	data, err = sealer.Seal(codec.FormatGob, body)
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, topic, data))

	select {
	case <-b.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("state was not applied")
	}
	assert.Equal(t, int64(4), b.Get().Value())
}

func TestStateVector(t *testing.T) {
	sv := NewStateVector()
	sv.Update(causal.NewDot(1, 3))
	sv.Update(causal.NewDot(1, 2))
	sv.Merge(causal.VClock{2: 5})

	assert.Equal(t, uint64(3), sv.Counter(1))
	assert.Equal(t, uint64(5), sv.Counter(2))
	assert.True(t, sv.Get().Equal(causal.VClock{1: 3, 2: 5}))

	assert.True(t, sv.HasUpdates(causal.VClock{1: 3}))
	assert.False(t, sv.HasUpdates(causal.VClock{1: 3, 2: 5}))

	assert.True(t, sv.IsCausallyBefore(causal.VClock{1: 4, 2: 5}))
	assert.False(t, sv.IsCausallyBefore(causal.VClock{1: 3, 2: 5}))
	assert.False(t, sv.IsCausallyBefore(causal.VClock{1: 9}))

	// Get returns a copy
	v := sv.Get()
	v.Increment(1)
	assert.Equal(t, uint64(3), sv.Counter(1))
}

func TestDeltaReplicator_GapTriggersRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := crdtpubsub.NewMemoryChannel(0)
	defer ch.Close()

	a := newCounterReplicator(t, ch, 1, Options{})
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Update(ctx, func(c *crdt.PNCounter) { c.Increment(1) }))
	}

	b := newCounterReplicator(t, ch, 2, Options{})
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	// a delta from replica 1 that announces more than it carries
	partial := crdt.NewPNCounter(1)
	partial.Increment(1)
	payload, err := codec.GobCodec{}.Encode(partial)
	require.NoError(t, err)
	body, err := codec.GobCodec{}.Encode(syncMessage{Kind: kindDelta, Version: a.Version(), Payloads: [][]byte{payload}})
	require.NoError(t, err)
	sealer, err := crdtpubsub.NewSealer(1)
	require.NoError(t, err)
	data, err := sealer.Seal(codec.FormatGob, body)
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, topic, data))

	require.Eventually(t, func() bool {
		return b.Get().Value() == 5
	}, 5*time.Second, 10*time.Millisecond)
}
