// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"github.com/dgraph-io/ristretto"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

const (
	// counters per expected entry, as recommended by ristretto.
	countersPerEntry = 10
	// minimum number of counters, small caches still hold a few hundred keys.
	minCounters = 1000
	// average cost used to size the counters.
	avgEntryCost = 4 << 10
)

// Cache is a cost bounded cache shared by several users, for example block
// data and the write buffer cost reservation. It is a thin wrapper of
// ristretto.Cache with uint64 keys and synchronous writes.
type Cache struct {
	cache    *ristretto.Cache
	capacity int64

	evicted  atomic.Int64
	rejected atomic.Int64
}

// New creates a Cache holding at most capacity cost units (normally bytes).
func New(capacity int64) (*Cache, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("invalid cache capacity %d", capacity)
	}
	numCounters := capacity / avgEntryCost * countersPerEntry
	if numCounters < minCounters {
		numCounters = minCounters
	}
	c := &Cache{capacity: capacity}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
		KeyToHash: func(key any) (uint64, uint64) {
			return key.(uint64), 0
		},
		OnEvict: func(*ristretto.Item) {
			c.evicted.Inc()
		},
		OnReject: func(*ristretto.Item) {
			c.rejected.Inc()
		},
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.cache = cache
	return c, nil
}

// Capacity returns the maximum total cost of the cache.
func (c *Cache) Capacity() int64 {
	return c.capacity
}

// Set inserts or updates the entry of key with the given cost and waits for
// the cache to apply it. Setting an existing key only changes its value and
// cost, it never creates a second entry. It reports whether the entry is
// resident once the write has been applied; a new entry may be rejected by
// the admission policy or dropped under contention.
func (c *Cache) Set(key uint64, value any, cost int64) bool {
	if !c.cache.Set(key, value, cost) {
		return false
	}
	c.cache.Wait()
	_, ok := c.cache.Get(key)
	return ok
}

// Get returns the value of key.
func (c *Cache) Get(key uint64) (any, bool) {
	return c.cache.Get(key)
}

// Del removes key from the cache and waits for the removal to be applied.
func (c *Cache) Del(key uint64) {
	c.cache.Del(key)
	c.cache.Wait()
}

// Wait blocks until all buffered writes have been applied.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Cost returns the total cost of resident entries.
func (c *Cache) Cost() int64 {
	m := c.cache.Metrics
	return int64(m.CostAdded() - m.CostEvicted())
}

// Len returns the number of resident entries.
func (c *Cache) Len() int64 {
	m := c.cache.Metrics
	return int64(m.KeysAdded() - m.KeysEvicted())
}

// Evicted returns how many entries have been evicted to make room.
func (c *Cache) Evicted() int64 {
	return c.evicted.Load()
}

// Rejected returns how many writes the admission policy refused.
func (c *Cache) Rejected() int64 {
	return c.rejected.Load()
}

// Close stops the cache goroutines. The cache must not be used afterwards.
func (c *Cache) Close() {
	c.cache.Close()
}
