package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache keeps the last observed close per asset, sharded to keep
// feed goroutines for different assets off each other's locks.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	openTime  int64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
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

// Set stores a price observed on a candle opening at openTime. Older
// candles never overwrite newer ones.
func (c *PriceCache) Set(asset string, price float64, openTime int64) bool {
	shard := c.getShard(asset)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if cur, ok := shard.items[asset]; ok && openTime < cur.openTime {
		return false
	}
	shard.items[asset] = priceEntry{price: price, openTime: openTime, updatedAt: c.now()}
	return true
}

// Update replaces the price without moving the candle watermark.
func (c *PriceCache) Update(asset string, price float64) {
	shard := c.getShard(asset)
	shard.mu.Lock()
	cur := shard.items[asset]
	shard.items[asset] = priceEntry{price: price, openTime: cur.openTime, updatedAt: c.now()}
	shard.mu.Unlock()
}

// Get retrieves the last price for an asset.
func (c *PriceCache) Get(asset string) (float64, bool) {
	shard := c.getShard(asset)
	shard.mu.RLock()
	entry, ok := shard.items[asset]
	shard.mu.RUnlock()
	return entry.price, ok
}
