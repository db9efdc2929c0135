// Package cache defines the pluggable cache-provider contract used by the
// reactor scheduler's fingerprint-first dispatch, plus a default
// in-memory, bounded-LRU implementation.
package cache

// Stats reports point-in-time counters for a cache provider, surfaced
// through the CacheStats field of ExecutableGraph.GetStats.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	// HitRatio is Hits / (Hits + Misses), 0 when no lookup has happened.
	HitRatio float64
	Size     int
	// MaxSize is the provider's configured capacity, 0 if unbounded.
	MaxSize int
}

// Provider is the contract a cache backend must satisfy to serve the
// scheduler's fingerprint-keyed compute cache. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Get returns the cached value for key and true, or zero value and
	// false if absent.
	Get(key string) (value any, ok bool)
	// Put stores value under key, possibly evicting another entry.
	Put(key string, value any)
	// Invalidate removes key if present; it is not an error to
	// invalidate a key that was never cached.
	Invalidate(key string)
	// InvalidateNode removes every entry whose key belongs to nodeID.
	// Keys are produced as "<node_id>|<digest>", so providers can match
	// on the prefix without understanding the digest.
	InvalidateNode(nodeID string)
	// Purge removes every entry.
	Purge()
	// Stats returns a snapshot of hit/miss/eviction counters.
	Stats() Stats
}
