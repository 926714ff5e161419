// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync"

const lockShards = 128

// keyLock serializes work per client id. Ids hash onto a fixed set of
// mutexes, so two ids rarely share a shard and operations on the same id
// always do.
type keyLock struct {
	shards [lockShards]sync.Mutex
}

func (kl *keyLock) Lock(key string) {
	kl.shards[shardIndex(key)].Lock()
}

func (kl *keyLock) Unlock(key string) {
	kl.shards[shardIndex(key)].Unlock()
}

// shardIndex is FNV-1a, inlined to keep the hot path allocation free.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % lockShards
}
