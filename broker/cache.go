package broker

import (
	"container/list"
	"sync"
)

type entryKey struct {
	ledgerID int64
	entryID  int64
}

type cachedEntry struct {
	key  entryKey
	data []byte
}

// entryCache keeps recently written and read log-store entries in memory, evicting the least
// recently used once the byte budget is exceeded. A zero budget disables caching.
type entryCache struct {
	lock     sync.Mutex
	maxBytes int
	size     int
	order    *list.List
	items    map[entryKey]*list.Element
	hits     int64
	misses   int64
}

func newEntryCache(sizeMB int) *entryCache {
	return &entryCache{
		maxBytes: sizeMB * 1024 * 1024,
		order:    list.New(),
		items:    make(map[entryKey]*list.Element),
	}
}

func (c *entryCache) get(ledgerID, entryID int64) ([]byte, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	el, ok := c.items[entryKey{ledgerID, entryID}]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cachedEntry).data, true
}

func (c *entryCache) put(ledgerID, entryID int64, data []byte) {
	if len(data) > c.maxBytes {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	key := entryKey{ledgerID, entryID}
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cachedEntry{key: key, data: data})
	c.size += len(data)
	for c.size > c.maxBytes {
		oldest := c.order.Back()
		e := oldest.Value.(*cachedEntry)
		c.order.Remove(oldest)
		delete(c.items, e.key)
		c.size -= len(e.data)
	}
}

// invalidateLedger drops every entry of a deleted ledger.
func (c *entryCache) invalidateLedger(ledgerID int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for key, el := range c.items {
		if key.ledgerID == ledgerID {
			c.order.Remove(el)
			delete(c.items, key)
			c.size -= len(el.Value.(*cachedEntry).data)
		}
	}
}

func (c *entryCache) stats() (size int, hits, misses int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.size, c.hits, c.misses
}
