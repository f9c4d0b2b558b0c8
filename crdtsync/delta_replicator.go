package crdtsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crdtkit/causal"
	"crdtkit/codec"
	"crdtkit/common"
	"crdtkit/crdt"
	"crdtkit/crdtpubsub"
)

// DeltaState is a replicated type whose deltas are values of the same type.
type DeltaState[T any] interface {
	crdt.Mergeable[T]
	crdt.DeltaCRDT[T]
}

type messageKind uint8

const (
	// kindDelta carries one change to every peer.
	kindDelta messageKind = iota + 1
	// kindRequest asks Target for everything newer than Version.
	kindRequest
	// kindDeltas answers a request with buffered deltas.
	kindDeltas
	// kindState carries the full state, as an answer or a broadcast.
	kindState
)

func (k messageKind) String() string {
	switch k {
	case kindDelta:
		return "delta"
	case kindRequest:
		return "request"
	case kindDeltas:
		return "deltas"
	case kindState:
		return "state"
	default:
		return "unknown"
	}
}

// syncMessage is the payload of every DeltaReplicator envelope.
type syncMessage struct {
	Kind messageKind `json:"kind"`
	// Target is the addressed replica; zero addresses everyone.
	Target common.ReplicaID `json:"target,omitempty"`
	// Version is the sender's version, or the requester's for kindRequest.
	Version causal.VClock `json:"version"`
	// Payloads holds encoded deltas or the encoded state.
	Payloads [][]byte `json:"payloads,omitempty"`
}

// DeltaReplicator keeps a replicated value in memory and ships deltas. Every
// change, local or remote, is recorded in a DeltaBuffer so the replica can
// answer catch-up requests; when the buffer has evicted something the
// requester may lack, the answer is the full state.
type DeltaReplicator[T DeltaState[T]] struct {
	state   T
	buffer  *crdt.DeltaBuffer[T]
	newFn   func() T
	channel crdtpubsub.Channel
	options Options
	codec   codec.Codec
	sealer  *crdtpubsub.Sealer

	// peers tracks the last version each peer announced.
	peers map[common.ReplicaID]*StateVector

	// changes is signalled, without blocking, after remote state is applied.
	changes chan struct{}

	// silent is set once a change may have left the version unchanged.
	// From then on a peer announcing our version can still be missing a
	// removal, so requests are answered with the full state.
	silent bool

	// mutex protects state, buffer, peers and silent.
	mutex sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewDeltaReplicator creates a replicator around initial.
func NewDeltaReplicator[T DeltaState[T]](initial T, newFn func() T, channel crdtpubsub.Channel, opts Options) (*DeltaReplicator[T], error) {
	c, err := codec.Get(opts.Format)
	if err != nil {
		return nil, err
	}
	if opts.Replica == 0 {
		opts.Replica = common.NewReplicaID()
	}
	sealer, err := crdtpubsub.NewSealer(opts.Replica)
	if err != nil {
		return nil, err
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 256
	}

	r := &DeltaReplicator[T]{
		state:   initial,
		buffer:  crdt.NewDeltaBuffer[T](opts.BufferSize),
		newFn:   newFn,
		channel: channel,
		options: opts,
		codec:   c,
		sealer:  sealer,
		peers:   make(map[common.ReplicaID]*StateVector),
		changes: make(chan struct{}, 1),
	}

	// state that predates the buffer is recorded as one delta so requests
	// from empty peers are answered completely
	if v := initial.Version(); !v.IsZero() {
		r.buffer.Push(v, initial.Clone())
	}
	return r, nil
}

// Get returns a copy of the current state.
func (r *DeltaReplicator[T]) Get() T {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.state.Clone()
}

// Version returns the current version.
func (r *DeltaReplicator[T]) Version() causal.VClock {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.state.Version()
}

// PeerVersion returns the last version peer announced.
func (r *DeltaReplicator[T]) PeerVersion(peer common.ReplicaID) causal.VClock {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if sv, ok := r.peers[peer]; ok {
		return sv.Get()
	}
	return causal.NewVClock()
}

// Changes is signalled after remote state is applied.
func (r *DeltaReplicator[T]) Changes() <-chan struct{} {
	return r.changes
}

// Update applies f locally, buffers the resulting delta and publishes it.
// Changes that leave the version unchanged, such as removals, have no delta
// and are published as full state instead.
func (r *DeltaReplicator[T]) Update(ctx context.Context, f func(T)) error {
	r.mutex.Lock()
	before := r.state.Version()
	f(r.state)
	after := r.state.Version()
	delta, ok := r.state.DeltaSince(before)
	if !ok {
		// a full state is also a valid delta; buffering it keeps later
		// answers from replaying only what came before the change
		delta = r.state.Clone()
		r.silent = true
	}
	r.buffer.Push(after, delta)
	r.mutex.Unlock()

	payload, err := r.codec.Encode(delta)
	if err != nil {
		return err
	}
	kind := kindDelta
	if !ok {
		kind = kindState
	}
	return r.send(ctx, syncMessage{Kind: kind, Version: after, Payloads: [][]byte{payload}})
}

// Broadcast publishes the full state to every peer.
func (r *DeltaReplicator[T]) Broadcast(ctx context.Context) error {
	r.mutex.RLock()
	state := r.state.Clone()
	version := r.state.Version()
	r.mutex.RUnlock()

	payload, err := r.codec.Encode(state)
	if err != nil {
		return err
	}
	return r.send(ctx, syncMessage{Kind: kindState, Version: version, Payloads: [][]byte{payload}})
}

// RequestSync asks peer for everything the local replica has not seen.
func (r *DeltaReplicator[T]) RequestSync(ctx context.Context, peer common.ReplicaID) error {
	return r.send(ctx, syncMessage{Kind: kindRequest, Target: peer, Version: r.Version()})
}

func (r *DeltaReplicator[T]) send(ctx context.Context, msg syncMessage) error {
	if r.channel == nil || r.options.Topic == "" {
		return nil
	}

	body, err := r.codec.Encode(msg)
	if err != nil {
		return err
	}
	data, err := r.sealer.Seal(r.codec.Format(), body)
	if err != nil {
		return err
	}
	if err := r.channel.Publish(ctx, r.options.Topic, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Kind, err)
	}
	messagesPublishedTotal.WithLabelValues(msg.Kind.String()).Inc()
	return nil
}

// Start subscribes to the topic and serves peers until Stop.
func (r *DeltaReplicator[T]) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return fmt.Errorf("delta replicator is already running")
	}
	if r.channel == nil || r.options.Topic == "" {
		return fmt.Errorf("delta replicator has no channel")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	stream, err := r.channel.Subscribe(r.ctx, r.options.Topic)
	if err != nil {
		r.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", r.options.Topic, err)
	}

	r.wg.Add(1)
	go r.listen(stream)

	if r.options.SyncInterval > 0 {
		r.wg.Add(1)
		go r.periodicSync()
	}

	r.running = true
	return nil
}

// Stop ends replication and waits for the listener.
func (r *DeltaReplicator[T]) Stop() error {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return nil
	}
	r.cancel()
	r.running = false
	r.runMu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *DeltaReplicator[T]) listen(stream <-chan []byte) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case data, ok := <-stream:
			if !ok {
				return
			}
			r.handle(r.ctx, data)
		}
	}
}

func (r *DeltaReplicator[T]) periodicSync() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.options.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Broadcast(r.ctx); err != nil && r.ctx.Err() == nil {
				logger.Warnf("periodic broadcast failed: %v", err)
			}
		}
	}
}

// handle processes one inbound message. Malformed input is logged and dropped.
func (r *DeltaReplicator[T]) handle(ctx context.Context, data []byte) {
	env, err := crdtpubsub.Open(data)
	if err != nil {
		r.drop(err)
		return
	}
	if env.Origin == r.options.Replica {
		messagesReceivedTotal.WithLabelValues("own").Inc()
		return
	}

	c, err := codec.Get(env.Format)
	if err != nil {
		r.drop(err)
		return
	}
	var msg syncMessage
	if err := c.Decode(env.Payload, &msg); err != nil {
		r.drop(err)
		return
	}
	if msg.Target != 0 && msg.Target != r.options.Replica {
		messagesReceivedTotal.WithLabelValues("ignored").Inc()
		return
	}

	switch msg.Kind {
	case kindRequest:
		r.observePeer(env.Origin, msg.Version)
		if err := r.answer(ctx, env.Origin, msg.Version); err != nil {
			logger.Warnf("failed to answer sync request from %d: %v", env.Origin, err)
		}
	case kindDelta, kindDeltas, kindState:
		values, err := r.decodeAll(c, msg.Payloads)
		if err != nil {
			r.drop(err)
			return
		}
		behind := r.apply(env.Origin, msg, values)
		messagesReceivedTotal.WithLabelValues("merged").Inc()
		select {
		case r.changes <- struct{}{}:
		default:
		}

		// only live deltas trigger a catch-up so answers never cascade
		if behind && msg.Kind == kindDelta {
			if err := r.RequestSync(ctx, env.Origin); err != nil {
				logger.Warnf("failed to request sync from %d: %v", env.Origin, err)
			}
		}
	default:
		r.drop(fmt.Errorf("unknown message kind %d", msg.Kind))
	}
}

func (r *DeltaReplicator[T]) drop(err error) {
	messagesReceivedTotal.WithLabelValues("dropped").Inc()
	logger.Warnf("dropping message on %s: %v", r.options.Topic, err)
}

func (r *DeltaReplicator[T]) decodeAll(c codec.Codec, payloads [][]byte) ([]T, error) {
	values := make([]T, 0, len(payloads))
	for _, p := range payloads {
		v := r.newFn()
		if err := c.Decode(p, v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *DeltaReplicator[T]) observePeer(peer common.ReplicaID, v causal.VClock) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	sv, ok := r.peers[peer]
	if !ok {
		sv = NewStateVector()
		r.peers[peer] = sv
	}
	sv.Merge(v)
}

// apply merges values and reports whether the local replica still lags the
// sender's announced version.
func (r *DeltaReplicator[T]) apply(origin common.ReplicaID, msg syncMessage, values []T) bool {
	r.observePeer(origin, msg.Version)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, v := range values {
		before := r.state.Version()
		if msg.Kind == kindState {
			r.state.Merge(v)
		} else {
			r.state.ApplyDelta(v)
		}
		after := r.state.Version()
		switch {
		case !before.Dominates(after):
			r.buffer.Push(after, v)
		case msg.Kind == kindState:
			r.silent = true
		}
	}
	return !r.state.Version().Dominates(msg.Version)
}

// answer sends peer what it is missing relative to v.
func (r *DeltaReplicator[T]) answer(ctx context.Context, peer common.ReplicaID, v causal.VClock) error {
	r.mutex.RLock()
	version := r.state.Version()
	if v.Dominates(version) && !r.silent {
		r.mutex.RUnlock()
		return nil
	}

	kind := kindDeltas
	values, ok := r.buffer.DeltasSince(v)
	if !ok || r.silent {
		kind = kindState
		values = []T{r.state.Clone()}
		fullStateFallbacksTotal.Inc()
	}

	payloads := make([][]byte, 0, len(values))
	for _, value := range values {
		p, err := r.codec.Encode(value)
		if err != nil {
			r.mutex.RUnlock()
			return err
		}
		payloads = append(payloads, p)
	}
	r.mutex.RUnlock()

	return r.send(ctx, syncMessage{Kind: kind, Target: peer, Version: version, Payloads: payloads})
}
