package crdtstorage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StorageType names a storage backend.
type StorageType string

const (
	StorageMemory    StorageType = "memory"
	StorageFile      StorageType = "file"
	StorageRedis     StorageType = "redis"
	StorageBadger    StorageType = "badger"
	StorageDatastore StorageType = "datastore"
	StorageMongoDB   StorageType = "mongodb"
)

// StorageOptions selects and configures a backend for NewStorage.
type StorageOptions struct {
	// Type is the backend. Empty means memory.
	Type StorageType

	// Path is the base directory for file storage and the database
	// directory for badger.
	Path string

	// RedisAddr is the Redis server address.
	RedisAddr string

	// RedisPassword is the Redis server password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string

	// MongoURI is the MongoDB connection string.
	MongoURI string

	// MongoDatabase is the MongoDB database name.
	MongoDatabase string

	// MongoCollection is the MongoDB collection name.
	MongoCollection string

	// InMemory runs badger without touching disk.
	InMemory bool
}

// DefaultStorageOptions returns options for in-memory storage.
func DefaultStorageOptions() *StorageOptions {
	return &StorageOptions{
		Type:            StorageMemory,
		Path:            "data",
		RedisAddr:       "localhost:6379",
		KeyPrefix:       "crdtkit",
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "crdtkit",
		MongoCollection: "journals",
	}
}

// NewStorage creates the adapter named by opts.Type. Adapters that hold
// connections also implement Closer.
func NewStorage(ctx context.Context, opts *StorageOptions) (Storage, error) {
	if opts == nil {
		opts = DefaultStorageOptions()
	}

	switch opts.Type {
	case "", StorageMemory:
		return NewMemoryAdapter(), nil
	case StorageFile:
		return NewFileAdapter(opts.Path)
	case StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return NewRedisAdapter(client, opts.KeyPrefix), nil
	case StorageBadger:
		return OpenBadgerAdapter(BadgerOptions{
			Dir:        opts.Path,
			InMemory:   opts.InMemory,
			SyncWrites: true,
		})
	case StorageDatastore:
		return NewDatastoreAdapter(dssync.MutexWrap(ds.NewMapDatastore())), nil
	case StorageMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		adapter := NewMongoDBAdapter(client.Database(opts.MongoDatabase).Collection(opts.MongoCollection))
		adapter.client = client
		return adapter, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
	}
}
