package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"crdtkit/codec"
	"crdtkit/common"
	"crdtkit/config"
	"crdtkit/crdt"
	"crdtkit/crdtpubsub"
	"crdtkit/crdtstorage"
	"crdtkit/crdtsync"
	"crdtkit/journal"
)

const (
	counterJournal = "journals/counter.log"
	membersJournal = "journals/members.log"

	registryKey      = "crdtkit:peers"
	registryTTL      = time.Minute
	heartbeatEvery   = 10 * time.Second
	shutdownDeadline = 5 * time.Second
)

// MemberSet is the replicated set of member names served by the node.
type MemberSet = crdt.ORSet[string, crdt.AddWins]

// Node hosts a replicated counter and member set.
type Node struct {
	config  config.Config
	replica common.ReplicaID

	storage  crdtstorage.Storage
	channel  crdtpubsub.Channel
	gossip   *crdtpubsub.GossipChannel
	registry *crdtpubsub.PeerRegistry
	redis    *redis.Client

	counter *crdtsync.Distributed[*crdt.PNCounter]
	members *crdtsync.Distributed[*MemberSet]

	server    *http.Server
	startTime time.Time
}

// NewNode opens storage, mounts the journals and connects the network named
// by cfg. Nothing is replicated until Run.
func NewNode(ctx context.Context, cfg config.Config) (*Node, error) {
	n := &Node{
		config:    cfg,
		replica:   cfg.Replica(),
		startTime: time.Now(),
	}

	storage, err := crdtstorage.NewStorage(ctx, cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	n.storage = storage

	if err := n.connect(ctx); err != nil {
		n.Close()
		return nil, err
	}

	c, err := codec.Get(codec.Format(cfg.Journal.Format))
	if err != nil {
		n.Close()
		return nil, err
	}

	opts := crdtsync.Options{
		Replica:          n.replica,
		Topic:            cfg.Network.Topic,
		Format:           c.Format(),
		CompactThreshold: cfg.Journal.CompactThreshold,
		SyncInterval:     cfg.Network.SyncInterval,
	}

	newCounter := func() *crdt.PNCounter { return crdt.NewPNCounter(n.replica) }
	cj, err := journal.Mount(ctx, storage, counterJournal, newCounter, journal.WithCodec(c))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to mount counter journal: %w", err)
	}
	n.counter, err = crdtsync.NewDistributed(cj, n.channel, newCounter, withTopic(opts, "counter"))
	if err != nil {
		n.Close()
		return nil, err
	}

	newMembers := func() *MemberSet { return crdt.NewAddWinsSet[string](n.replica) }
	mj, err := journal.Mount(ctx, storage, membersJournal, newMembers, journal.WithCodec(c))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to mount members journal: %w", err)
	}
	n.members, err = crdtsync.NewDistributed(mj, n.channel, newMembers, withTopic(opts, "members"))
	if err != nil {
		n.Close()
		return nil, err
	}

	if cfg.Node.HTTPAddr != "" {
		n.server = &http.Server{
			Addr:    cfg.Node.HTTPAddr,
			Handler: n.routes(),
		}
	}
	return n, nil
}

// withTopic scopes the configured topic per value so each channel carries one type.
func withTopic(opts crdtsync.Options, name string) crdtsync.Options {
	if opts.Topic != "" {
		opts.Topic = opts.Topic + "/" + name
	}
	return opts
}

// connect creates the channel named by network.type.
func (n *Node) connect(ctx context.Context) error {
	netCfg := n.config.Network

	switch netCfg.Type {
	case "none":
		return nil
	case "memory":
		n.channel = crdtpubsub.NewMemoryChannel(crdtpubsub.DefaultBufferSize)
		return nil
	case "redis":
		n.redis = redis.NewClient(&redis.Options{
			Addr:     netCfg.RedisAddr,
			Password: netCfg.RedisPassword,
			DB:       netCfg.RedisDB,
		})
		ch, err := crdtpubsub.NewRedisChannel(n.redis, crdtpubsub.DefaultBufferSize)
		if err != nil {
			return err
		}
		n.channel = ch
		return nil
	case "gossip":
		g, err := crdtpubsub.NewGossipChannel(ctx, netCfg.ListenAddrs, crdtpubsub.DefaultBufferSize)
		if err != nil {
			return err
		}
		n.channel = g
		n.gossip = g

		logger.Infof("libp2p host created. ID: %s", g.ID())
		for _, addr := range g.Addrs() {
			logger.Infof("Listening on: %s", addr)
		}
		if len(netCfg.BootstrapPeers) > 0 {
			connected := g.ConnectAll(ctx, netCfg.BootstrapPeers)
			logger.Infof("Connected to %d of %d bootstrap peers", connected, len(netCfg.BootstrapPeers))
		}

		if netCfg.PeerRegistry {
			n.redis = redis.NewClient(&redis.Options{
				Addr:     netCfg.RedisAddr,
				Password: netCfg.RedisPassword,
				DB:       netCfg.RedisDB,
			})
			if err := n.redis.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to connect to Redis: %w", err)
			}
			n.registry = crdtpubsub.NewPeerRegistry(n.redis, registryKey, g.ID().String(), registryTTL)
		}
		return nil
	default:
		return fmt.Errorf("unsupported network type %q", netCfg.Type)
	}
}

// Replica returns the node's replica id.
func (n *Node) Replica() common.ReplicaID {
	return n.replica
}

// Counter returns the replicated counter.
func (n *Node) Counter() *crdtsync.Distributed[*crdt.PNCounter] {
	return n.counter
}

// Members returns the replicated member set.
func (n *Node) Members() *crdtsync.Distributed[*MemberSet] {
	return n.members
}

// Run replicates and serves HTTP until ctx is done or a component fails.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if n.channel != nil {
		if err := n.counter.Start(gctx); err != nil {
			return err
		}
		defer n.counter.Stop()
		if err := n.members.Start(gctx); err != nil {
			return err
		}
		defer n.members.Stop()

		// Announce local state so peers that started earlier catch up.
		if err := n.counter.Broadcast(gctx); err != nil {
			logger.Warnf("Initial counter broadcast failed: %v", err)
		}
		if err := n.members.Broadcast(gctx); err != nil {
			logger.Warnf("Initial members broadcast failed: %v", err)
		}
	}

	if n.registry != nil {
		g.Go(func() error {
			err := n.registry.Heartbeat(gctx, n.gossip, heartbeatEvery)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if n.server != nil {
		g.Go(func() error {
			logger.Infof("HTTP API listening on %s", n.server.Addr)
			if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()
			return n.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close compacts the journals and releases the network and storage.
func (n *Node) Close() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if n.counter != nil {
		n.counter.Stop()
		if err := n.counter.Journal().Compact(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.members != nil {
		n.members.Stop()
		if err := n.members.Journal().Compact(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.registry != nil {
		if err := n.registry.Unregister(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.channel != nil {
		if err := n.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if closer, ok := n.storage.(crdtstorage.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
