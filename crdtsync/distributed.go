// Package crdtsync replicates state between nodes. Distributed pairs a
// durable journal with a pubsub channel and ships full state; DeltaReplicator
// ships deltas and falls back to full state when it cannot prove a peer is
// up to date.
package crdtsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"crdtkit/codec"
	"crdtkit/common"
	"crdtkit/crdt"
	"crdtkit/crdtpubsub"
	"crdtkit/journal"
)

var logger = logging.Logger("crdtsync")

// DefaultCompactThreshold is the journal size at which Distributed compacts.
const DefaultCompactThreshold = 1000

// Options configures a Distributed value or a DeltaReplicator.
type Options struct {
	// Replica is the local replica id stamped on outgoing messages.
	Replica common.ReplicaID

	// Topic is the channel name. Empty disables networking.
	Topic string

	// Format selects the payload codec. Empty means gob.
	Format codec.Format

	// CompactThreshold is the journal entry count that triggers compaction.
	// Zero selects DefaultCompactThreshold and a negative value disables it.
	CompactThreshold int

	// SyncInterval re-broadcasts the full state periodically so peers that
	// missed messages converge. Zero disables it.
	SyncInterval time.Duration

	// BufferSize is the DeltaReplicator ring capacity.
	BufferSize int
}

func (o Options) compactThreshold() int {
	if o.CompactThreshold == 0 {
		return DefaultCompactThreshold
	}
	return o.CompactThreshold
}

// Distributed is a journaled value that broadcasts its full state after every
// local mutation and merges the states its peers broadcast.
type Distributed[T crdt.Mergeable[T]] struct {
	journal *journal.Persistent[T]
	channel crdtpubsub.Channel
	newFn   func() T
	options Options
	codec   codec.Codec
	sealer  *crdtpubsub.Sealer

	// remoteMerges is signalled after each merged peer message.
	remoteMerges chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.Mutex
	running bool
}

// NewDistributed wraps a mounted journal. channel may be nil, in which case
// the value is local only.
func NewDistributed[T crdt.Mergeable[T]](j *journal.Persistent[T], channel crdtpubsub.Channel, newFn func() T, opts Options) (*Distributed[T], error) {
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

	return &Distributed[T]{
		journal:      j,
		channel:      channel,
		newFn:        newFn,
		options:      opts,
		codec:        c,
		sealer:       sealer,
		remoteMerges: make(chan struct{}, 1),
	}, nil
}

// Journal returns the underlying journal.
func (d *Distributed[T]) Journal() *journal.Persistent[T] {
	return d.journal
}

// Get returns a copy of the current state.
func (d *Distributed[T]) Get() T {
	return d.journal.Get()
}

// RemoteMerges is signalled, without blocking, after a peer state is merged.
func (d *Distributed[T]) RemoteMerges() <-chan struct{} {
	return d.remoteMerges
}

// Mutate applies f durably and then publishes the resulting state. When the
// publish fails the mutation is still persisted and the error says so.
func (d *Distributed[T]) Mutate(ctx context.Context, f func(T) error) error {
	if err := d.journal.Mutate(ctx, f); err != nil {
		return err
	}
	d.maybeCompact(ctx)

	if err := d.Broadcast(ctx); err != nil {
		return fmt.Errorf("mutation persisted but not published: %w", err)
	}
	return nil
}

// Broadcast publishes the current full state.
func (d *Distributed[T]) Broadcast(ctx context.Context) error {
	if d.channel == nil || d.options.Topic == "" {
		return nil
	}

	payload, err := d.codec.Encode(d.journal.Get())
	if err != nil {
		return err
	}
	data, err := d.sealer.Seal(d.codec.Format(), payload)
	if err != nil {
		return err
	}
	if err := d.channel.Publish(ctx, d.options.Topic, data); err != nil {
		return err
	}
	messagesPublishedTotal.WithLabelValues("state").Inc()
	return nil
}

func (d *Distributed[T]) maybeCompact(ctx context.Context) {
	threshold := d.options.compactThreshold()
	if threshold < 0 {
		return
	}
	compacted, err := d.journal.MaybeCompact(ctx, threshold)
	if err != nil {
		logger.Warnf("failed to compact journal %s: %v", d.journal.Path(), err)
		return
	}
	if compacted {
		autoCompactionsTotal.Inc()
	}
}

// Start subscribes to the topic and merges peer states until Stop.
func (d *Distributed[T]) Start(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.running {
		return fmt.Errorf("distributed %s is already running", d.journal.Path())
	}
	if d.channel == nil || d.options.Topic == "" {
		return fmt.Errorf("distributed %s has no channel", d.journal.Path())
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	stream, err := d.channel.Subscribe(d.ctx, d.options.Topic)
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", d.options.Topic, err)
	}

	d.wg.Add(1)
	go d.listen(stream)

	if d.options.SyncInterval > 0 {
		d.wg.Add(1)
		go d.periodicSync()
	}

	d.running = true
	logger.Infof("replicating %s on %s as %d", d.journal.Path(), d.options.Topic, d.options.Replica)
	return nil
}

// Stop ends replication and waits for the background goroutines.
func (d *Distributed[T]) Stop() error {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return nil
	}
	d.cancel()
	d.running = false
	d.mutex.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Distributed[T]) listen(stream <-chan []byte) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case data, ok := <-stream:
			if !ok {
				return
			}
			d.handle(d.ctx, data)
		}
	}
}

// handle merges one inbound message. Anything malformed is logged and dropped.
func (d *Distributed[T]) handle(ctx context.Context, data []byte) {
	env, err := crdtpubsub.Open(data)
	if err != nil {
		messagesReceivedTotal.WithLabelValues("dropped").Inc()
		logger.Warnf("dropping malformed message on %s: %v", d.options.Topic, err)
		return
	}
	if env.Origin == d.options.Replica {
		messagesReceivedTotal.WithLabelValues("own").Inc()
		return
	}

	c, err := codec.Get(env.Format)
	if err != nil {
		messagesReceivedTotal.WithLabelValues("dropped").Inc()
		logger.Warnf("dropping message %s from %d: %v", env.ID, env.Origin, err)
		return
	}
	remote := d.newFn()
	if err := c.Decode(env.Payload, remote); err != nil {
		messagesReceivedTotal.WithLabelValues("dropped").Inc()
		logger.Warnf("dropping message %s from %d: %v", env.ID, env.Origin, err)
		return
	}

	if err := d.journal.MergeRemote(ctx, remote); err != nil {
		logger.Errorf("failed to persist state from %d: %v", env.Origin, err)
		return
	}
	messagesReceivedTotal.WithLabelValues("merged").Inc()
	d.maybeCompact(ctx)

	select {
	case d.remoteMerges <- struct{}{}:
	default:
	}
}

func (d *Distributed[T]) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.options.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.Broadcast(d.ctx); err != nil && d.ctx.Err() == nil {
				logger.Warnf("periodic broadcast of %s failed: %v", d.journal.Path(), err)
			}
		}
	}
}
