package blob

import (
	"container/list"
	"sync"

	"github.com/forgekit/forge/internal/domain"
)

// hotCache is a bounded, in-memory LRU over decompressed blob bytes. It
// is bounded both by entry count and by a per-entry size ceiling so a
// single large blob cannot evict the entire working set.
type hotCache struct {
	mu           sync.Mutex
	maxEntries   int
	maxEntrySize int64
	ll           *list.List
	items        map[domain.BlobID]*list.Element
	curBytes     int64
}

type cacheEntry struct {
	id    domain.BlobID
	bytes []byte
}

func newHotCache(maxEntries int, maxEntrySize int64) *hotCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if maxEntrySize <= 0 {
		maxEntrySize = 4 << 20 // 4 MiB
	}
	return &hotCache{
		maxEntries:   maxEntries,
		maxEntrySize: maxEntrySize,
		ll:           list.New(),
		items:        make(map[domain.BlobID]*list.Element),
	}
}

func (c *hotCache) get(id domain.BlobID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	out := make([]byte, len(entry.bytes))
	copy(out, entry.bytes)
	return out, true
}

func (c *hotCache) put(id domain.BlobID, data []byte) {
	if int64(len(data)) > c.maxEntrySize {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.ll.MoveToFront(el)
		old := el.Value.(*cacheEntry)
		c.curBytes += int64(len(data)) - int64(len(old.bytes))
		old.bytes = data
		return
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	el := c.ll.PushFront(&cacheEntry{id: id, bytes: stored})
	c.items[id] = el
	c.curBytes += int64(len(stored))

	for c.ll.Len() > c.maxEntries {
		c.evictOldest()
	}
}

func (c *hotCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	entry := el.Value.(*cacheEntry)
	delete(c.items, entry.id)
	c.curBytes -= int64(len(entry.bytes))
}

func (c *hotCache) remove(id domain.BlobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return
	}
	c.ll.Remove(el)
	entry := el.Value.(*cacheEntry)
	delete(c.items, entry.id)
	c.curBytes -= int64(len(entry.bytes))
}

func (c *hotCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
