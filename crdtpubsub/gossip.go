package crdtpubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// GossipChannel implements Channel over libp2p GossipSub. Channel names map
// to topics, which are joined on first use.
type GossipChannel struct {
	host   host.Host
	pubsub *pubsub.PubSub

	// ownsHost is set when Close must also close host.
	ownsHost bool

	// bufferSize is the capacity of each subscriber stream.
	bufferSize int

	// topics holds joined topics by name.
	topics map[string]*pubsub.Topic

	// subscriptions holds every open subscription.
	subscriptions map[*pubsub.Subscription]struct{}

	// mutex protects topics, subscriptions and closed.
	mutex sync.Mutex

	closed bool
}

var _ Channel = (*GossipChannel)(nil)

// NewGossipChannel creates a libp2p host listening on listenAddrs and starts
// GossipSub on it.
func NewGossipChannel(ctx context.Context, listenAddrs []string, bufferSize int) (*GossipChannel, error) {
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	g, err := NewGossipChannelWithHost(ctx, h, bufferSize)
	if err != nil {
		h.Close()
		return nil, err
	}
	g.ownsHost = true

	logger.Infof("libp2p host created. ID: %s", h.ID())
	for _, addr := range g.Addrs() {
		logger.Infof("Listening on: %s", addr)
	}
	return g, nil
}

// NewGossipChannelWithHost starts GossipSub on an existing host.
func NewGossipChannelWithHost(ctx context.Context, h host.Host, bufferSize int) (*GossipChannel, error) {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	return &GossipChannel{
		host:          h,
		pubsub:        ps,
		bufferSize:    bufferSize,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[*pubsub.Subscription]struct{}),
	}, nil
}

// ID returns the local peer id.
func (g *GossipChannel) ID() peer.ID {
	return g.host.ID()
}

// Host returns the underlying libp2p host.
func (g *GossipChannel) Host() host.Host {
	return g.host
}

// Addrs returns the dialable addresses of this peer including its /p2p part.
func (g *GossipChannel) Addrs() []string {
	addrs := make([]string, 0, len(g.host.Addrs()))
	for _, addr := range g.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, g.host.ID()))
	}
	return addrs
}

// Connect dials a peer given its full multiaddr, e.g.
// /ip4/10.0.0.1/tcp/4001/p2p/12D3KooW...
func (g *GossipChannel) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info: %w", err)
	}
	return g.ConnectPeer(ctx, *info)
}

// ConnectPeer dials a peer. Dialing ourselves is a no-op.
func (g *GossipChannel) ConnectPeer(ctx context.Context, info peer.AddrInfo) error {
	if info.ID == g.host.ID() {
		return nil
	}
	if err := g.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	logger.Infof("Connected to peer: %s", info.ID)
	return nil
}

// ConnectAll dials every address and returns how many connections succeeded.
// Failures are logged.
func (g *GossipChannel) ConnectAll(ctx context.Context, addrs []string) int {
	connected := 0
	for _, addr := range addrs {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if err := g.Connect(ctx, addr); err != nil {
			logger.Warnf("Failed to connect to bootstrap peer %s: %v", addr, err)
			continue
		}
		connected++
	}
	return connected
}

// topic returns the joined topic for name, joining it when needed.
func (g *GossipChannel) topic(name string) (*pubsub.Topic, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if t, ok := g.topics[name]; ok {
		return t, nil
	}

	t, err := g.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	g.topics[name] = t
	return t, nil
}

// TopicPeers returns the peers known to share channel.
func (g *GossipChannel) TopicPeers(channel string) []peer.ID {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	t, ok := g.topics[channel]
	if !ok {
		return nil
	}
	return t.ListPeers()
}

// Publish implements Channel.
func (g *GossipChannel) Publish(ctx context.Context, channel string, data []byte) error {
	t, err := g.topic(channel)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Channel. Messages published by this peer are skipped.
func (g *GossipChannel) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	t, err := g.topic(channel)
	if err != nil {
		return nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	g.mutex.Lock()
	g.subscriptions[sub] = struct{}{}
	g.mutex.Unlock()

	out := make(chan []byte, g.bufferSize)
	go g.handleMessages(ctx, sub, channel, out)
	return out, nil
}

// handleMessages forwards messages until ctx ends or sub is cancelled.
func (g *GossipChannel) handleMessages(ctx context.Context, sub *pubsub.Subscription, channel string, out chan<- []byte) {
	defer close(out)
	defer g.release(sub)

	self := g.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		select {
		case out <- msg.Data:
		default:
			logger.Warnf("subscriber on %s is full, dropping message", channel)
		}
	}
}

func (g *GossipChannel) release(sub *pubsub.Subscription) {
	g.mutex.Lock()
	delete(g.subscriptions, sub)
	g.mutex.Unlock()
	sub.Cancel()
}

// Close implements Channel.
func (g *GossipChannel) Close() error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return nil
	}
	g.closed = true
	subs := g.subscriptions
	topics := g.topics
	g.subscriptions = make(map[*pubsub.Subscription]struct{})
	g.topics = make(map[string]*pubsub.Topic)
	g.mutex.Unlock()

	for sub := range subs {
		sub.Cancel()
	}
	for name, t := range topics {
		if err := t.Close(); err != nil {
			logger.Debugf("failed to close topic %s: %v", name, err)
		}
	}
	if g.ownsHost {
		return g.host.Close()
	}
	return nil
}
