package crdtpubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisChannel implements Channel with Redis PUBLISH and SUBSCRIBE.
type RedisChannel struct {
	// client is the Redis client. It is owned by the caller.
	client *redis.Client

	// bufferSize is the capacity of each subscriber stream.
	bufferSize int

	// subscriptions holds every open Redis subscription.
	subscriptions map[*redis.PubSub]struct{}

	// mutex protects subscriptions and closed.
	mutex sync.Mutex

	closed bool
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel creates a RedisChannel and checks the connection.
func NewRedisChannel(client *redis.Client, bufferSize int) (*RedisChannel, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisChannel{
		client:        client,
		bufferSize:    bufferSize,
		subscriptions: make(map[*redis.PubSub]struct{}),
	}, nil
}

// Publish implements Channel.
func (r *RedisChannel) Publish(ctx context.Context, channel string, data []byte) error {
	r.mutex.Lock()
	closed := r.closed
	r.mutex.Unlock()
	if closed {
		return ErrClosed
	}

	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Channel. It returns once Redis has confirmed the
// subscription, so messages published afterwards are delivered.
func (r *RedisChannel) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(ctx, channel)
	r.subscriptions[ps] = struct{}{}
	r.mutex.Unlock()

	if _, err := ps.Receive(ctx); err != nil {
		r.release(ps)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte, r.bufferSize)
	go r.handleMessages(ctx, ps, channel, out)
	return out, nil
}

// handleMessages forwards payloads until ctx ends or ps is closed.
func (r *RedisChannel) handleMessages(ctx context.Context, ps *redis.PubSub, channel string, out chan<- []byte) {
	defer close(out)
	defer r.release(ps)

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			default:
				logger.Warnf("subscriber on %s is full, dropping message", channel)
			}
		}
	}
}

func (r *RedisChannel) release(ps *redis.PubSub) {
	r.mutex.Lock()
	_, ok := r.subscriptions[ps]
	delete(r.subscriptions, ps)
	r.mutex.Unlock()

	if ok {
		if err := ps.Close(); err != nil {
			logger.Debugf("failed to close redis subscription: %v", err)
		}
	}
}

// Close implements Channel. The Redis client stays open.
func (r *RedisChannel) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subscriptions
	r.subscriptions = make(map[*redis.PubSub]struct{})
	r.mutex.Unlock()

	for ps := range subs {
		ps.Close()
	}
	return nil
}
