package crdtstorage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisAdapter stores each path as a Redis string. Directories have no
// representation in Redis, so CreateDirAll only validates the connection.
type RedisAdapter struct {
	// client is the Redis client.
	client *redis.Client

	// keyPrefix namespaces every key.
	keyPrefix string
}

var _ Storage = (*RedisAdapter)(nil)

// NewRedisAdapter creates a RedisAdapter.
func NewRedisAdapter(client *redis.Client, keyPrefix string) *RedisAdapter {
	if keyPrefix == "" {
		keyPrefix = "crdtkit"
	}
	return &RedisAdapter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// key returns the Redis key for path.
func (a *RedisAdapter) key(path string) string {
	return fmt.Sprintf("%s:file:%s", a.keyPrefix, cleanPath(path))
}

// Read implements Storage.
func (a *RedisAdapter) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := a.client.Get(ctx, a.key(path)).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(ErrNotFound, "failed to read %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// Write implements Storage.
func (a *RedisAdapter) Write(ctx context.Context, path string, data []byte) error {
	if err := a.client.Set(ctx, a.key(path), data, 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Append implements Storage. APPEND is atomic on the server.
func (a *RedisAdapter) Append(ctx context.Context, path string, data []byte) error {
	if err := a.client.Append(ctx, a.key(path), string(data)).Err(); err != nil {
		return errors.Wrapf(err, "failed to append to %s", path)
	}
	return nil
}

// Exists implements Storage.
func (a *RedisAdapter) Exists(ctx context.Context, path string) (bool, error) {
	n, err := a.client.Exists(ctx, a.key(path)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s", path)
	}
	return n > 0, nil
}

// CreateDirAll implements Storage.
func (a *RedisAdapter) CreateDirAll(ctx context.Context, path string) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "failed to connect to Redis")
	}
	return nil
}

// Close closes the Redis client.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}
