package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded in-process cache of last-seen mark prices.
// The gateway writes through it on every price fetch so the queue's
// re-validation and the lifecycle monitor do not issue duplicate REST
// calls inside the same tick.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty sharded price cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{price: price, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get retrieves a price for a symbol.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetFresh returns a price only if it was updated within maxAge.
func (c *PriceCache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > maxAge {
		return 0, false
	}
	return entry.price, true
}

// Cleanup removes entries older than maxAge and reports how many.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
