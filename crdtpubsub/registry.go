package crdtpubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	// defaultPeerKey is the Redis hash holding registered peers.
	defaultPeerKey = "crdtkit:peers"
	// DefaultPeerTTL is how long a peer stays listed without a heartbeat.
	DefaultPeerTTL = 60 * time.Second
)

// PeerInfo is what a gossip peer publishes about itself.
type PeerInfo struct {
	ID        string    `json:"id"`
	Addrs     []string  `json:"addrs"`
	LastSeen  time.Time `json:"lastSeen"`
	StartTime time.Time `json:"startTime"`
}

// PeerRegistry lets gossip peers find each other through a shared Redis
// hash instead of a static bootstrap list.
type PeerRegistry struct {
	client    *redis.Client
	key       string
	localPeer string
	ttl       time.Duration
	startTime time.Time
}

// NewPeerRegistry creates a registry for localPeer. An empty key selects the
// default hash.
func NewPeerRegistry(client *redis.Client, key string, localPeer string, ttl time.Duration) *PeerRegistry {
	if key == "" {
		key = defaultPeerKey
	}
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	return &PeerRegistry{
		client:    client,
		key:       key,
		localPeer: localPeer,
		ttl:       ttl,
		startTime: time.Now(),
	}
}

// Register publishes the local peer's addresses and refreshes its LastSeen.
func (r *PeerRegistry) Register(ctx context.Context, addrs []multiaddr.Multiaddr) error {
	info := PeerInfo{
		ID:        r.localPeer,
		Addrs:     make([]string, len(addrs)),
		LastSeen:  time.Now(),
		StartTime: r.startTime,
	}
	for i, addr := range addrs {
		info.Addrs[i] = addr.String()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal peer info: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, r.localPeer, data).Err(); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

// Peers returns every live peer except the local one.
func (r *PeerRegistry) Peers(ctx context.Context) ([]peer.AddrInfo, error) {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get peers: %w", err)
	}

	now := time.Now()
	peers := make([]peer.AddrInfo, 0, len(data))
	for _, raw := range data {
		var info PeerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		if info.ID == r.localPeer || now.Sub(info.LastSeen) > r.ttl {
			continue
		}

		id, err := peer.Decode(info.ID)
		if err != nil {
			continue
		}
		addrs := make([]multiaddr.Multiaddr, 0, len(info.Addrs))
		for _, s := range info.Addrs {
			addr, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		peers = append(peers, peer.AddrInfo{ID: id, Addrs: addrs})
	}
	return peers, nil
}

// Cleanup removes peers whose heartbeat expired and entries that do not parse.
func (r *PeerRegistry) Cleanup(ctx context.Context) error {
	data, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return fmt.Errorf("failed to get peers for cleanup: %w", err)
	}

	now := time.Now()
	var stale []string
	for id, raw := range data {
		var info PeerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil || now.Sub(info.LastSeen) > r.ttl {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return r.client.HDel(ctx, r.key, stale...).Err()
}

// Unregister removes the local peer.
func (r *PeerRegistry) Unregister(ctx context.Context) error {
	return r.client.HDel(ctx, r.key, r.localPeer).Err()
}

// Heartbeat registers g, connects to the peers it finds and repeats every
// interval until ctx is done.
func (r *PeerRegistry) Heartbeat(ctx context.Context, g *GossipChannel, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Register(ctx, g.Host().Addrs()); err != nil {
			logger.Warnf("peer registry heartbeat failed: %v", err)
		}
		if err := r.Cleanup(ctx); err != nil {
			logger.Debugf("peer registry cleanup failed: %v", err)
		}

		peers, err := r.Peers(ctx)
		if err != nil {
			logger.Warnf("peer registry lookup failed: %v", err)
		}
		for _, p := range peers {
			if len(g.Host().Network().ConnsToPeer(p.ID)) > 0 {
				continue
			}
			if err := g.ConnectPeer(ctx, p); err != nil {
				logger.Debugf("%v", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
