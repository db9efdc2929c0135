package cache

import (
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is the default Provider: a bounded least-recently-used cache backed
// by github.com/hashicorp/golang-lru/v2.
type LRU struct {
	inner    *lru.Cache[string, any]
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewLRU creates an LRU cache holding at most capacity entries. A capacity
// of 0 falls back to a reasonable default of 1024.
func NewLRU(capacity int) (*LRU, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &LRU{capacity: capacity}
	inner, err := lru.NewWithEvict[string, any](capacity, func(_ string, _ any) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *LRU) Get(key string) (any, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *LRU) Put(key string, value any) {
	c.inner.Add(key, value)
}

func (c *LRU) Invalidate(key string) {
	c.inner.Remove(key)
}

func (c *LRU) InvalidateNode(nodeID string) {
	prefix := nodeID + "|"
	for _, key := range c.inner.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.inner.Remove(key)
		}
	}
}

func (c *LRU) Purge() {
	c.inner.Purge()
}

func (c *LRU) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRatio:  ratio,
		Size:      c.inner.Len(),
		MaxSize:   c.capacity,
	}
}
