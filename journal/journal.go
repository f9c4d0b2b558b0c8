// Package journal makes any mergeable replicated value durable. State lives
// in memory and every change is appended to a checksummed log in a
// crdtstorage.Storage, so a restarted process replays the log and resumes
// exactly where the last complete write left it.
package journal

import (
	"context"
	"path"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crdtkit/codec"
	"crdtkit/common"
	"crdtkit/crdt"
	"crdtkit/crdtstorage"
)

var logger = logging.Logger("journal")

var tracer = otel.Tracer("crdtkit/journal")

// Option configures a Persistent journal.
type Option func(*options)

type options struct {
	codec codec.Codec
}

// WithCodec selects the codec used for new entries. Gob is the default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// Persistent is a replicated value backed by an append-only journal.
// T is normally a pointer type such as *crdt.PNCounter.
type Persistent[T crdt.Mergeable[T]] struct {
	storage crdtstorage.Storage
	path    string
	codec   codec.Codec

	// newFn creates the default value. Decoded entries are written into a
	// fresh value from newFn so per-instance settings such as map factories
	// survive replay.
	newFn func() T

	state   T
	entries int

	// mutex guards state and entries. Writers hold it across the append so
	// entries land in the same order as the changes they describe.
	mutex sync.RWMutex
}

// Mount opens the journal at path, replaying it when it exists. Snapshot
// entries replace the accumulated state and delta entries merge into it.
// An incomplete trailing entry is discarded, and the file is rewritten without
// it so later appends stay readable.
func Mount[T crdt.Mergeable[T]](ctx context.Context, storage crdtstorage.Storage, p string, newFn func() T, opts ...Option) (*Persistent[T], error) {
	ctx, span := tracer.Start(ctx, "journal.Mount",
		trace.WithAttributes(attribute.String("path", p)),
	)
	defer span.End()

	o := options{codec: codec.GobCodec{}}
	for _, opt := range opts {
		opt(&o)
	}

	j := &Persistent[T]{
		storage: storage,
		path:    p,
		codec:   o.codec,
		newFn:   newFn,
		state:   newFn(),
	}

	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := storage.CreateDirAll(ctx, dir); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create directory failed")
			return nil, errors.Wrapf(err, "failed to create journal directory %s", dir)
		}
	}

	exists, err := storage.Exists(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exists failed")
		return nil, errors.Wrapf(err, "failed to check journal %s", p)
	}
	if !exists {
		logger.Debugf("journal %s does not exist, starting empty", p)
		return j, nil
	}

	data, err := storage.Read(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, errors.Wrapf(err, "failed to read journal %s", p)
	}

	start := time.Now()
	validEnd, err := j.replay(data)
	replayDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, common.ErrJournalCorrupted) {
			corruptionsTotal.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, errors.Wrapf(err, "failed to replay journal %s", p)
	}

	if validEnd < len(data) {
		truncatedTailsTotal.Inc()
		logger.Warnf("journal %s: discarding %d bytes of incomplete trailing entry", p, len(data)-validEnd)
		if err := storage.Write(ctx, p, data[:validEnd]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tail repair failed")
			return nil, errors.Wrapf(err, "failed to repair journal %s", p)
		}
	}

	span.SetAttributes(
		attribute.Int("entries", j.entries),
		attribute.Int("bytes", validEnd),
	)
	logger.Debugf("mounted journal %s with %d entries", p, j.entries)
	return j, nil
}

// replay applies every complete entry of data to j.state and returns the
// length of the valid prefix.
func (j *Persistent[T]) replay(data []byte) (int, error) {
	frames, validEnd, err := scanFrames(data)
	if err != nil {
		return validEnd, err
	}

	for _, f := range frames {
		o, err := decodeOp(f.Payload)
		if err != nil {
			return validEnd, errors.Wrapf(err, "at offset %d", f.Offset)
		}
		value, err := j.decodeState(o)
		if err != nil {
			return validEnd, errors.Wrapf(err, "at offset %d", f.Offset)
		}

		switch o.Kind {
		case OpSnapshot:
			j.state = value
		case OpDelta:
			j.state.Merge(value)
		}
		j.entries++
	}
	return validEnd, nil
}

func (j *Persistent[T]) decodeState(o op) (T, error) {
	value := j.newFn()
	c, err := codec.Get(o.Format)
	if err != nil {
		return value, err
	}
	if err := c.Decode(o.State, value); err != nil {
		return value, err
	}
	return value, nil
}

// Get returns a copy of the current state.
func (j *Persistent[T]) Get() T {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.state.Clone()
}

// View calls f with the current state under a read lock. f must not retain
// or modify the value.
func (j *Persistent[T]) View(f func(T)) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	f(j.state)
}

// Mutate applies f to a copy of the state, appends the resulting full state
// as a delta entry and only then makes the copy current. When f or the append
// fails the in-memory state is left unchanged.
func (j *Persistent[T]) Mutate(ctx context.Context, f func(T) error) error {
	ctx, span := tracer.Start(ctx, "journal.Mutate",
		trace.WithAttributes(attribute.String("path", j.path)),
	)
	defer span.End()

	j.mutex.Lock()
	defer j.mutex.Unlock()

	next := j.state.Clone()
	if err := f(next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mutation failed")
		return err
	}

	n, err := j.append(ctx, OpDelta, next)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return err
	}

	j.state = next
	span.SetAttributes(attribute.Int("entry_bytes", n))
	return nil
}

// MergeRemote merges a peer's state and appends that state as a delta entry.
func (j *Persistent[T]) MergeRemote(ctx context.Context, other T) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	next := j.state.Clone()
	next.Merge(other)

	if _, err := j.append(ctx, OpDelta, other); err != nil {
		return err
	}
	j.state = next
	return nil
}

// append writes one entry. The caller holds the write lock.
func (j *Persistent[T]) append(ctx context.Context, kind OpKind, state T) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entry, err := encodeEntry(j.codec, kind, state)
	if err != nil {
		return 0, err
	}
	if err := j.storage.Append(ctx, j.path, entry); err != nil {
		return 0, errors.Wrapf(err, "failed to append to journal %s", j.path)
	}

	j.entries++
	entriesAppendedTotal.WithLabelValues(kind.String()).Inc()
	return len(entry), nil
}

// Compact replaces the journal with a single snapshot of the current state.
func (j *Persistent[T]) Compact(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "journal.Compact",
		trace.WithAttributes(attribute.String("path", j.path)),
	)
	defer span.End()

	j.mutex.Lock()
	defer j.mutex.Unlock()

	if err := j.compactLocked(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compact failed")
		return err
	}
	return nil
}

func (j *Persistent[T]) compactLocked(ctx context.Context) error {
	entry, err := encodeEntry(j.codec, OpSnapshot, j.state)
	if err != nil {
		return err
	}
	if err := j.storage.Write(ctx, j.path, entry); err != nil {
		return errors.Wrapf(err, "failed to compact journal %s", j.path)
	}

	before := j.entries
	j.entries = 1
	compactionsTotal.Inc()
	entriesAppendedTotal.WithLabelValues(OpSnapshot.String()).Inc()
	logger.Debugf("compacted journal %s from %d entries", j.path, before)
	return nil
}

// MaybeCompact compacts when the journal holds more than threshold entries.
func (j *Persistent[T]) MaybeCompact(ctx context.Context, threshold int) (bool, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.entries <= threshold {
		return false, nil
	}
	if err := j.compactLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// EntryCount returns the number of entries in the journal.
func (j *Persistent[T]) EntryCount() int {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return j.entries
}

// Path returns the journal's storage path.
func (j *Persistent[T]) Path() string {
	return j.path
}
