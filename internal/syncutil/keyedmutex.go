// Package syncutil provides the keyed locking the dispatcher uses to
// serialize message application per aggregate.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes work per string key over a fixed pool of
// channel-based locks. Memory is bounded regardless of how many keys are
// seen, at the cost of occasional false sharing between keys that hash to
// the same shard. Acquisition respects context cancellation so a caller can
// bail out instead of queueing behind a slow aggregate forever.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a keyed mutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key, blocking until it is free or ctx is done.
// On success the returned unlock function MUST be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	return m.lockShard(ctx, shardIdx(key))
}

// Lock2 acquires the locks for both keys. Shards are always taken in index
// order, so concurrent callers holding either key cannot deadlock, and when
// both keys hash to the same shard only one acquisition happens. On success
// the returned unlock function MUST be called exactly once.
func (m *KeyedMutex) Lock2(ctx context.Context, key1, key2 string) (func(), error) {
	i, j := shardIdx(key1), shardIdx(key2)
	if i == j {
		return m.lockShard(ctx, i)
	}
	if j < i {
		i, j = j, i
	}
	unlockFirst, err := m.lockShard(ctx, i)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := m.lockShard(ctx, j)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}

func (m *KeyedMutex) lockShard(ctx context.Context, idx uint32) (func(), error) {
	shard := m.shards[idx]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
