// Package syncutil holds concurrency helpers shared across services.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes work per string key over a fixed pool of
// channel-backed locks. Distinct keys may share a shard. Waiters can give
// up when their context ends.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex returns a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until key's shard is free or ctx ends. On success the
// caller must invoke the returned unlock exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardOf(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
