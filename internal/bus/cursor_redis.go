package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisCursorStore keeps subscriber cursors in Redis so a restarted
// subscriber resumes where it acked.
type RedisCursorStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCursorStore(client *redis.Client, prefix string) *RedisCursorStore {
	if prefix == "" {
		prefix = "mailtriage:cursor"
	}
	return &RedisCursorStore{client: client, prefix: prefix}
}

func (r *RedisCursorStore) key(subscriber, topic string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, subscriber, topic)
}

func (r *RedisCursorStore) Get(ctx context.Context, subscriber, topic string) (uint64, error) {
	v, err := r.client.Get(ctx, r.key(subscriber, topic)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis cursor get: %w", err)
	}
	return v, nil
}

func (r *RedisCursorStore) Set(ctx context.Context, subscriber, topic string, cursor uint64) error {
	if err := r.client.Set(ctx, r.key(subscriber, topic), cursor, 0).Err(); err != nil {
		return fmt.Errorf("redis cursor set: %w", err)
	}
	return nil
}

// MemoryCursorStore is the single-node fallback.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]uint64)}
}

func (m *MemoryCursorStore) Get(_ context.Context, subscriber, topic string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[subscriber+"/"+topic], nil
}

func (m *MemoryCursorStore) Set(_ context.Context, subscriber, topic string, cursor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[subscriber+"/"+topic] = cursor
	return nil
}
