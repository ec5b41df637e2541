package kvs

import (
	"container/list"
	"sync"

	"github.com/google/btree"
)

// SharedCache is the optional cross-transaction tier of the decoded-entry
// cache: an LRU bounded by total charge (roughly key and value bytes).
//
// Every entry remembers the snapshot it was read under. A commit replaces
// the entries of the keys it writes with markers carrying its
// versionstamp, before the commit becomes visible; a reader whose
// snapshot predates a marker cannot insert over it, and a reader never
// uses an entry read under a newer snapshot than its own. When a marker is
// evicted (or a whole range is invalidated), the floor rises to its
// versionstamp and readers older than the floor cannot insert at all.
type SharedCache struct {
	mu       sync.Mutex
	capacity int64
	charge   int64
	lru      *list.List // of *sharedEntry, most recent first
	entries  map[string]*list.Element
	index    *btree.BTreeG[string]
	floor    Versionstamp

	hits, misses, inserts, rejected, evictions uint64
}

type sharedEntry struct {
	key     string
	val     CachedValue
	version Versionstamp
	marker  bool
	charge  int64
}

type CacheStats struct {
	Entries   int
	Charge    int64
	Capacity  int64
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Rejected  uint64
	Evictions uint64
}

func NewSharedCache(capacity int64) *SharedCache {
	return &SharedCache{
		capacity: capacity,
		lru:      list.New(),
		entries:  make(map[string]*list.Element),
		index:    btree.NewG(memDegree, func(a, b string) bool { return a < b }),
	}
}

// Lookup returns the cached value of key if it is valid for a reader at
// snapshot.
func (c *SharedCache) Lookup(key []byte, snapshot Versionstamp) (CachedValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.entries[string(key)]
	if el == nil {
		c.misses++
		return CachedValue{}, false
	}
	e := el.Value.(*sharedEntry)
	if e.marker || e.version > snapshot {
		c.misses++
		return CachedValue{}, false
	}
	c.lru.MoveToFront(el)
	c.hits++
	return e.val, true
}

// Insert caches a value read by a reader at snapshot. It returns false if
// a newer commit may have changed the key since.
func (c *SharedCache) Insert(key []byte, snapshot Versionstamp, cv CachedValue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	version := snapshot
	if el := c.entries[k]; el != nil {
		e := el.Value.(*sharedEntry)
		if e.version > snapshot {
			c.rejected++
			return false
		}
		if !e.marker {
			// same value, valid since the older snapshot
			version = e.version
			if e.val.Decoded && !cv.Decoded {
				cv = e.val
			}
		}
		c.removeElement(el)
	} else if snapshot < c.floor {
		c.rejected++
		return false
	}
	c.add(&sharedEntry{key: k, val: cv, version: version, charge: cv.charge() + int64(len(k))})
	c.inserts++
	return true
}

// Invalidate records that the commit vs writes key.
func (c *SharedCache) Invalidate(key []byte, vs Versionstamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	if el := c.entries[k]; el != nil {
		e := el.Value.(*sharedEntry)
		if e.marker && e.version >= vs {
			return
		}
		c.removeElement(el)
	}
	c.add(&sharedEntry{key: k, version: vs, marker: true, charge: cachedValueOverhead + int64(len(k))})
}

// InvalidatePrefix drops everything with lo <= key < hi on behalf of the
// commit vs.
func (c *SharedCache) InvalidatePrefix(lo, hi []byte, vs Versionstamp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []string
	visit := func(k string) bool {
		doomed = append(doomed, k)
		return true
	}
	if hi == nil {
		c.index.AscendGreaterOrEqual(string(lo), visit)
	} else {
		c.index.AscendRange(string(lo), string(hi), visit)
	}
	for _, k := range doomed {
		c.removeElement(c.entries[k])
	}
	if vs > c.floor {
		c.floor = vs
	}
	return len(doomed)
}

func (c *SharedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SharedCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		Charge:    c.charge,
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Inserts:   c.inserts,
		Rejected:  c.rejected,
		Evictions: c.evictions,
	}
}

func (c *SharedCache) add(e *sharedEntry) {
	c.entries[e.key] = c.lru.PushFront(e)
	c.index.ReplaceOrInsert(e.key)
	c.charge += e.charge
	for c.charge > c.capacity && c.lru.Len() > 1 {
		c.evict(c.lru.Back())
	}
}

func (c *SharedCache) evict(el *list.Element) {
	e := el.Value.(*sharedEntry)
	if e.marker && e.version > c.floor {
		c.floor = e.version
	}
	c.removeElement(el)
	c.evictions++
}

func (c *SharedCache) removeElement(el *list.Element) {
	e := c.lru.Remove(el).(*sharedEntry)
	delete(c.entries, e.key)
	c.index.Delete(e.key)
	c.charge -= e.charge
}
