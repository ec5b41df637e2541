package kvs

import (
	"bytes"
	"context"
	"iter"
)

const DefaultScanPageSize = 256

type ScanOptions struct {
	// Limit caps the number of pairs returned; zero means no limit.
	Limit int

	// PageSize is how many pairs to fetch from the backend at a time.
	PageSize int
}

// Cursor iterates over a key range as the transaction sees it: the
// snapshot's pairs overlaid with the transaction's own pending writes.
// Every key is returned once, in ascending order.
//
// Writes the transaction makes while a cursor is open are not reflected
// in that cursor.
type Cursor struct {
	tx    *Tx
	ctx   context.Context
	hi    []byte
	opt   ScanOptions
	rng   int // index in tx.readRanges, or -1
	count int

	page      []KV
	pageIdx   int
	resume    []byte
	exhausted bool

	pending    []*pendingWrite
	pendingIdx int

	key, value []byte
	decoded    any
	hasDecoded bool
	err        error
	done       bool
}

// Range returns a cursor over every key under p.
func (tx *Tx) Range(ctx context.Context, p Prefix, opt ScanOptions) *Cursor {
	lo, hi, err := KeyRange(p)
	if err != nil {
		return &Cursor{tx: tx, err: err, done: true, rng: -1}
	}
	return tx.RangeRaw(ctx, lo, hi, opt)
}

// RangeRaw returns a cursor over lo <= key < hi. A nil hi is unbounded.
func (tx *Tx) RangeRaw(ctx context.Context, lo, hi []byte, opt ScanOptions) *Cursor {
	if err := tx.checkActive(); err != nil {
		return &Cursor{tx: tx, err: err, done: true, rng: -1}
	}
	if opt.PageSize <= 0 {
		opt.PageSize = tx.db.scanPageSize
	}
	if opt.Limit > 0 && opt.Limit < opt.PageSize {
		// small limits need small pages
		opt.PageSize = opt.Limit + 1
	}
	tx.db.stats.scans.Add(1)
	return &Cursor{
		tx:      tx,
		ctx:     ctx,
		hi:      hi,
		opt:     opt,
		rng:     tx.recordRange(lo, hi),
		resume:  lo,
		pending: tx.writes.collect(lo, hi),
	}
}

func (c *Cursor) fetch() error {
	page, err := c.tx.btx.Scan(c.ctx, c.resume, c.hi, c.opt.PageSize)
	if err != nil {
		return err
	}
	c.page, c.pageIdx = page.Items, 0
	c.resume = page.Next
	if page.Next == nil {
		c.exhausted = true
	}
	return nil
}

// backendHead returns the next unconsumed snapshot pair, fetching pages
// as needed.
func (c *Cursor) backendHead() (*KV, error) {
	for c.pageIdx >= len(c.page) {
		if c.exhausted {
			return nil, nil
		}
		if err := c.fetch(); err != nil {
			return nil, err
		}
	}
	return &c.page[c.pageIdx], nil
}

func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if c.tx.state != TxActive {
		c.fail(ErrFinalized)
		return false
	}
	if c.opt.Limit > 0 && c.count >= c.opt.Limit {
		c.finish(true)
		return false
	}

	for {
		b, err := c.backendHead()
		if err != nil {
			c.fail(err)
			return false
		}
		var p *pendingWrite
		if c.pendingIdx < len(c.pending) {
			p = c.pending[c.pendingIdx]
		}
		if b == nil && p == nil {
			c.finish(false)
			return false
		}

		var cmp int
		switch {
		case b == nil:
			cmp = 1
		case p == nil:
			cmp = -1
		default:
			cmp = bytes.Compare(b.Key, p.key)
		}

		if cmp < 0 {
			c.pageIdx++
			c.yield(b.Key, b.Value)
			return true
		}
		// pending write shadows the snapshot pair with the same key
		if cmp == 0 {
			c.pageIdx++
		}
		c.pendingIdx++
		if p.del {
			continue
		}
		c.yield(p.key, p.value)
		return true
	}
}

func (c *Cursor) yield(k, v []byte) {
	c.key, c.value = k, v
	c.decoded, c.hasDecoded = nil, false
	c.count++
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.key, c.value = nil, nil
	c.done = true
}

// finish ends iteration. When stopped early, the recorded read range is
// narrowed to what was actually returned.
func (c *Cursor) finish(early bool) {
	if early && c.rng >= 0 {
		r := &c.tx.readRanges[c.rng]
		if c.key != nil {
			r.hi = keySuccessor(c.key)
		} else {
			r.hi = r.lo
		}
	}
	c.key, c.value = nil, nil
	c.done = true
	c.page = nil
	c.pending = nil
}

// Close stops the iteration. Pairs not yet returned do not count as read.
func (c *Cursor) Close() {
	if c.done {
		return
	}
	if c.tx.state != TxActive {
		c.done = true
		return
	}
	c.finish(true)
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) RawKey() []byte {
	return c.key
}

func (c *Cursor) RawValue() []byte {
	return c.value
}

// Key decodes the current key. Keys the codec does not know (raw writes)
// decode to nil.
func (c *Cursor) Key() Key {
	k, err := DecodeKey(c.key)
	if err != nil {
		return nil
	}
	return k
}

// Value decodes the current value. Undecodable values are reported through
// Err.
func (c *Cursor) Value() any {
	if !c.hasDecoded {
		v, err := decodeValue(c.value)
		if err != nil {
			c.err = err
		}
		c.decoded, c.hasDecoded = v, true
	}
	return c.decoded
}

// All adapts the cursor to a range-over-func loop. Check Err afterwards.
func (c *Cursor) All() iter.Seq2[Key, any] {
	return func(yield func(Key, any) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.Key(), c.Value()) {
				return
			}
		}
	}
}

// RawKeys yields raw keys. Check Err afterwards.
func (c *Cursor) RawKeys() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.RawKey()) {
				return
			}
		}
	}
}

func (c *Cursor) Count() int {
	var n int
	for c.Next() {
		n++
	}
	return n
}
