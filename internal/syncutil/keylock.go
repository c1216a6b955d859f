// Package syncutil provides per-key mutual exclusion with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/fredagent/x402proxy/pkg/x402"
)

const shardCount = 256

// KeyLock serializes work on the same key across goroutines. Keys are
// hashed onto a fixed pool of channel-based mutexes, so distinct keys may
// occasionally share a shard. Waiters can give up when their context ends.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns an unlocked KeyLock.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the mutex for key. On success the caller MUST call the
// returned unlock function. If ctx ends first, Lock returns ctx.Err().
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PaymentKey is the lock key for a payer's nonce. Spellings of the same
// pair that differ in hex case or the nonce's 0x prefix contend on one lock.
func PaymentKey(payer, nonce string) string {
	return strings.ToLower(payer) + "|" + x402.NormalizeNonce(nonce)
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
