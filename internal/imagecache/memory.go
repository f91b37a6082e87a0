package imagecache

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// memoryTier is a bounded LRU keyed by normalized URL. Entries are evicted least
// recently used first whenever the item count or the total byte cost exceeds its bound.
// Get and add both count as a use.
type memoryTier struct {
	mu       sync.Mutex
	entries  *lru.Cache
	maxBytes int64
	bytes    int64
}

func newMemoryTier(maxItems int, maxBytes int64) *memoryTier {
	tier := &memoryTier{
		entries:  lru.New(maxItems),
		maxBytes: maxBytes,
	}
	tier.entries.OnEvicted = func(_ lru.Key, value interface{}) {
		tier.bytes -= value.(Image).Cost()
	}
	return tier
}

func (m *memoryTier) get(key string) (Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries.Get(key)
	if !ok {
		return Image{}, false
	}
	return value.(Image), true
}

// add stores the image. An image larger than the whole byte budget is not kept in memory.
func (m *memoryTier) add(key string, img Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
	if m.maxBytes > 0 && img.Cost() > m.maxBytes {
		return
	}
	m.entries.Add(key, img)
	m.bytes += img.Cost()
	for m.maxBytes > 0 && m.bytes > m.maxBytes && m.entries.Len() > 0 {
		m.entries.RemoveOldest()
	}
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Clear()
	m.bytes = 0
}

func (m *memoryTier) stats() (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len(), m.bytes
}
