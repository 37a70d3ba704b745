package store

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
)

// lruCache bounds decoded blocks by a byte budget with O(1) eviction. It has
// its own lock, separate from backend I/O: readers that hit the cache never
// wait on a backend read in progress.
type lruCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	order  *list.List // front = most recent
	items  map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key   string
	block Block
	size  int64
}

func newLRUCache(budget int64) *lruCache {
	return &lruCache{
		budget: budget,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

func cacheKey(datasetID string, idx int) string {
	return datasetID + "\x00" + strconv.Itoa(idx)
}

// get returns the cached block and marks it most recently used.
func (c *lruCache) get(key string) (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Block{}, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).block, true
}

// put inserts the block, evicting least-recently-used entries until the
// budget holds. Blocks larger than the whole budget are not cached.
func (c *lruCache) put(key string, b Block) {
	size := b.SizeBytes()
	if size > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		c.used += size - entry.size
		entry.block = b
		entry.size = size
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&cacheEntry{key: key, block: b, size: size})
		c.used += size
	}
	for c.used > c.budget {
		c.evictOldest()
	}
}

// evictDataset drops every cached block of the dataset. Used by the change
// watcher when files move underneath the store.
func (c *lruCache) evictDataset(datasetID string) {
	prefix := datasetID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(el)
		}
	}
}

// bytes returns the current resident size.
func (c *lruCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// stats returns lifetime hit/miss/eviction counters.
func (c *lruCache) stats() (hits, misses, evictions int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

// evictOldest removes the least recently used entry. Caller holds c.mu.
func (c *lruCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.remove(el)
	c.evictions++
}

// remove unlinks the element. Caller holds c.mu.
func (c *lruCache) remove(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, entry.key)
	c.used -= entry.size
}
