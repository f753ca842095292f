// Package syncutil provides bounded per-key locking.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-backed locks. Memory stays bounded regardless of how many keys are
// seen; keys that hash to the same shard share a lock. The zero value is
// ready to use and must not be copied after first use.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock blocks until the lock for key is held and returns its release func.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext is like Lock but gives up when ctx is done, returning the
// context error and a nil unlock func.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIndex(key)]

	select {
	case ch <- struct{}{}:
		var released sync.Once
		return func() { released.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
