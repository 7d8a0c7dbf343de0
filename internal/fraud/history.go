package fraud

import (
	"hash/fnv"
	"sync"
)

// maxWindowEntries bounds the per-entity history window. When a window grows
// beyond this, the oldest entry is evicted first.
const maxWindowEntries = 100

const historyShards = 256

// HistoryCache holds a bounded rolling window of recent transaction entries
// per entity. Windows are partitioned across a fixed shard pool so entities
// that hash to different shards never contend, at the cost of occasional
// false sharing between entities on the same shard.
type HistoryCache struct {
	shards [historyShards]historyShard
}

type historyShard struct {
	mu      sync.Mutex
	windows map[string][]CacheEntry
}

// NewHistoryCache creates an empty cache.
func NewHistoryCache() *HistoryCache {
	c := &HistoryCache{}
	for i := range c.shards {
		c.shards[i].windows = make(map[string][]CacheEntry)
	}
	return c
}

func (c *HistoryCache) shard(entityID string) *historyShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return &c.shards[h.Sum32()%historyShards]
}

// Window returns a copy of the entity's history window in arrival order.
// Unknown entities yield an empty window, never an error.
func (c *HistoryCache) Window(entityID string) []CacheEntry {
	s := c.shard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[entityID]
	out := make([]CacheEntry, len(w))
	copy(out, w)
	return out
}

// Append adds an entry to the entity's window, evicting the oldest entry
// when the bound is exceeded.
func (c *HistoryCache) Append(entityID string, e CacheEntry) {
	s := c.shard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(entityID, e)
}

// Observe runs fn against a snapshot of the entity's window, then appends
// the given entry, all under the entity's shard lock. The velocity and
// anomaly analyzers depend on scoring a consistent snapshot immediately
// followed by the cache update, so the read-then-append pair must be atomic
// relative to other operations on the same entity.
func (c *HistoryCache) Observe(entityID string, e CacheEntry, fn func(window []CacheEntry)) {
	s := c.shard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[entityID]
	snapshot := make([]CacheEntry, len(w))
	copy(snapshot, w)
	fn(snapshot)
	s.append(entityID, e)
}

// BulkLoad seeds windows from a lookback slice supplied by the transaction
// store at startup. Entries must already be in arrival order.
func (c *HistoryCache) BulkLoad(entries []CacheEntry) {
	for _, e := range entries {
		c.Append(e.EntityID, e)
	}
}

// Len reports the current window length for an entity.
func (c *HistoryCache) Len(entityID string) int {
	s := c.shard(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows[entityID])
}

// Entities reports how many entities currently have a tracked window.
func (c *HistoryCache) Entities() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// append assumes the shard lock is held.
func (s *historyShard) append(entityID string, e CacheEntry) {
	w := append(s.windows[entityID], e)
	if len(w) > maxWindowEntries {
		w = w[len(w)-maxWindowEntries:]
	}
	s.windows[entityID] = w
}
