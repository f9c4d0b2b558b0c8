// Package crdtpubsub moves replicated state between processes. A Channel is
// a minimal publish/subscribe transport over named channels; the package
// ships in-memory, Redis and libp2p GossipSub implementations.
package crdtpubsub

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("crdtpubsub")

// ErrClosed is returned by channels used after Close.
var ErrClosed = errors.New("channel is closed")

// Channel publishes byte messages on named channels and streams them to
// subscribers. Delivery is at most once; replicated state tolerates loss,
// duplication and reordering.
type Channel interface {
	// Publish sends data to every current subscriber of channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe returns a stream of messages published on channel. The
	// stream is closed when ctx is cancelled or the Channel is closed.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	// Close releases the transport and ends every subscription.
	Close() error
}

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 64
