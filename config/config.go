// Package config loads node configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"crdtkit/codec"
	"crdtkit/common"
	"crdtkit/crdtstorage"
)

// Config is the complete configuration of a replica node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Network NetworkConfig `yaml:"network"`
	Journal JournalConfig `yaml:"journal"`
}

// NodeConfig identifies the replica.
type NodeConfig struct {
	// ReplicaID is a decimal id or a UUID. Empty generates one at startup.
	ReplicaID string `yaml:"replica_id"`
	LogLevel  string `yaml:"log_level"`
	// HTTPAddr serves the HTTP API and Prometheus metrics when set, e.g. ":8080".
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig selects where journals are written.
type StorageConfig struct {
	Type            string `yaml:"type"`
	Path            string `yaml:"path"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	KeyPrefix       string `yaml:"key_prefix"`
	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
}

// NetworkConfig selects how replicas exchange state.
type NetworkConfig struct {
	// Type is "none", "memory", "redis" or "gossip".
	Type           string        `yaml:"type"`
	Topic          string        `yaml:"topic"`
	ListenAddrs    []string      `yaml:"listen_addrs"`
	BootstrapPeers []string      `yaml:"bootstrap_peers"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	// PeerRegistry enables Redis based peer discovery for gossip.
	PeerRegistry bool `yaml:"peer_registry"`
}

// JournalConfig tunes journals.
type JournalConfig struct {
	CompactThreshold int    `yaml:"compact_threshold"`
	Format           string `yaml:"format"`
}

// Default returns a configuration for a single local node.
func Default() Config {
	return Config{
		Node: NodeConfig{
			LogLevel: "info",
			HTTPAddr: ":8080",
		},
		Storage: StorageConfig{
			Type:            string(crdtstorage.StorageFile),
			Path:            "data",
			RedisAddr:       "localhost:6379",
			KeyPrefix:       "crdtkit",
			MongoURI:        "mongodb://localhost:27017",
			MongoDatabase:   "crdtkit",
			MongoCollection: "journals",
		},
		Network: NetworkConfig{
			Type:         "none",
			Topic:        "crdtkit",
			ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/0"},
			RedisAddr:    "localhost:6379",
			SyncInterval: 30 * time.Second,
		},
		Journal: JournalConfig{
			CompactThreshold: 1000,
			Format:           string(codec.FormatGob),
		},
	}
}

// Load reads path over the defaults and then applies CRDTKIT_* environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CRDTKIT_REPLICA_ID"); v != "" {
		cfg.Node.ReplicaID = v
	}
	if v := os.Getenv("CRDTKIT_LOG_LEVEL"); v != "" {
		cfg.Node.LogLevel = v
	}
	if v := os.Getenv("CRDTKIT_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("CRDTKIT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CRDTKIT_NETWORK_TYPE"); v != "" {
		cfg.Network.Type = v
	}
	if v := os.Getenv("CRDTKIT_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
		cfg.Network.RedisAddr = v
	}
	if v := os.Getenv("CRDTKIT_COMPACT_THRESHOLD"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Journal.CompactThreshold = i
		}
	}
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	if c.Node.ReplicaID != "" {
		if _, err := common.ParseReplicaID(c.Node.ReplicaID); err != nil {
			return fmt.Errorf("node.replica_id: %w", err)
		}
	}

	switch crdtstorage.StorageType(c.Storage.Type) {
	case crdtstorage.StorageMemory, crdtstorage.StorageDatastore:
	case crdtstorage.StorageFile, crdtstorage.StorageBadger:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for %s storage", c.Storage.Type)
		}
	case crdtstorage.StorageRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for redis storage")
		}
	case crdtstorage.StorageMongoDB:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required for mongodb storage")
		}
	default:
		return fmt.Errorf("storage.type %q is not supported", c.Storage.Type)
	}

	switch c.Network.Type {
	case "none", "memory", "gossip":
	case "redis":
		if c.Network.RedisAddr == "" {
			return fmt.Errorf("network.redis_addr is required for redis network")
		}
	default:
		return fmt.Errorf("network.type %q is not supported", c.Network.Type)
	}
	if c.Network.Type != "none" && c.Network.Topic == "" {
		return fmt.Errorf("network.topic must not be empty")
	}
	if c.Network.PeerRegistry && c.Network.Type != "gossip" {
		return fmt.Errorf("network.peer_registry requires gossip network")
	}
	if c.Network.SyncInterval < 0 {
		return fmt.Errorf("network.sync_interval must be non-negative")
	}

	if _, err := codec.Get(codec.Format(c.Journal.Format)); err != nil {
		return fmt.Errorf("journal.format: %w", err)
	}
	return nil
}

// Replica returns the configured replica id, generating one when unset.
func (c *Config) Replica() common.ReplicaID {
	if c.Node.ReplicaID == "" {
		return common.NewReplicaID()
	}
	id, err := common.ParseReplicaID(c.Node.ReplicaID)
	if err != nil {
		return common.NewReplicaID()
	}
	return id
}

// StorageOptions converts the storage section for crdtstorage.NewStorage.
func (c *Config) StorageOptions() *crdtstorage.StorageOptions {
	return &crdtstorage.StorageOptions{
		Type:            crdtstorage.StorageType(c.Storage.Type),
		Path:            c.Storage.Path,
		RedisAddr:       c.Storage.RedisAddr,
		RedisPassword:   c.Storage.RedisPassword,
		RedisDB:         c.Storage.RedisDB,
		KeyPrefix:       c.Storage.KeyPrefix,
		MongoURI:        c.Storage.MongoURI,
		MongoDatabase:   c.Storage.MongoDatabase,
		MongoCollection: c.Storage.MongoCollection,
	}
}
