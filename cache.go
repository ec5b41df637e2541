package kvs

import (
	"github.com/google/btree"
)

// CachedValue is what the decoded-entry caches hold for one key. A
// not-found result is cached too (Found == false).
//
// Value is shared between readers and must not be mutated.
type CachedValue struct {
	Raw     []byte
	Value   any
	Decoded bool
	Found   bool
}

func (cv *CachedValue) charge() int64 {
	return int64(len(cv.Raw)) + cachedValueOverhead
}

const cachedValueOverhead = 64

// decode fills in Value from Raw if that has not happened yet.
func (cv *CachedValue) decode() error {
	if cv.Decoded || !cv.Found {
		return nil
	}
	v, err := decodeValue(cv.Raw)
	if err != nil {
		return err
	}
	cv.Value = v
	cv.Decoded = true
	return nil
}

// txCache is the per-transaction tier. It lives and dies with its
// transaction, so it needs no versioning.
type txCache struct {
	entries map[string]CachedValue
	index   *btree.BTreeG[string]
}

func (c *txCache) lookup(key []byte) (CachedValue, bool) {
	cv, ok := c.entries[string(key)]
	return cv, ok
}

func (c *txCache) insert(key []byte, cv CachedValue) {
	if c.entries == nil {
		c.entries = make(map[string]CachedValue)
		c.index = btree.NewG(memDegree, func(a, b string) bool { return a < b })
	}
	k := string(key)
	c.entries[k] = cv
	c.index.ReplaceOrInsert(k)
}

func (c *txCache) invalidate(key []byte) {
	if c.entries == nil {
		return
	}
	k := string(key)
	if _, ok := c.entries[k]; ok {
		delete(c.entries, k)
		c.index.Delete(k)
	}
}

// invalidatePrefix drops every entry with lo <= key < hi.
func (c *txCache) invalidatePrefix(lo, hi []byte) int {
	if c.entries == nil {
		return 0
	}
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
		delete(c.entries, k)
		c.index.Delete(k)
	}
	return len(doomed)
}

func (c *txCache) len() int {
	return len(c.entries)
}

func (c *txCache) clear() {
	c.entries = nil
	c.index = nil
}
