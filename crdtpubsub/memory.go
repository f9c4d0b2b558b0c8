package crdtpubsub

import (
	"context"
	"sync"
)

// MemoryChannel delivers messages between subscribers in one process.
// Each instance has its own registry, so tests and nodes never share state
// by accident.
type MemoryChannel struct {
	// subscribers maps a channel name to its subscriber streams by id.
	subscribers map[string]map[uint64]chan []byte

	// nextID numbers subscriptions.
	nextID uint64

	// bufferSize is the capacity of each subscriber stream.
	bufferSize int

	// mutex protects subscribers, nextID and closed.
	mutex sync.RWMutex

	closed bool

	// done is closed by Close to release subscription watchers.
	done chan struct{}
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel creates a MemoryChannel. A bufferSize below 1 selects
// DefaultBufferSize.
func NewMemoryChannel(bufferSize int) *MemoryChannel {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryChannel{
		subscribers: make(map[string]map[uint64]chan []byte),
		bufferSize:  bufferSize,
		done:        make(chan struct{}),
	}
}

// Publish implements Channel. A subscriber whose buffer is full misses the
// message.
func (m *MemoryChannel) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for id, stream := range m.subscribers[channel] {
		msg := make([]byte, len(data))
		copy(msg, data)
		select {
		case stream <- msg:
		default:
			logger.Warnf("subscriber %d on %s is full, dropping message", id, channel)
		}
	}
	return nil
}

// Subscribe implements Channel.
func (m *MemoryChannel) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	id := m.nextID
	stream := make(chan []byte, m.bufferSize)
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[uint64]chan []byte)
	}
	m.subscribers[channel][id] = stream

	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(channel, id)
		case <-m.done:
		}
	}()

	return stream, nil
}

func (m *MemoryChannel) unsubscribe(channel string, id uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	subs := m.subscribers[channel]
	stream, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.subscribers, channel)
	}
	close(stream)
}

// SubscriberCount returns the number of live subscriptions on channel.
func (m *MemoryChannel) SubscriberCount(channel string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.subscribers[channel])
}

// Close implements Channel.
func (m *MemoryChannel) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)

	for _, subs := range m.subscribers {
		for _, stream := range subs {
			close(stream)
		}
	}
	m.subscribers = make(map[string]map[uint64]chan []byte)
	return nil
}
