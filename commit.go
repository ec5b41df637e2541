package kvs

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// keyRange is [lo, hi); a nil hi is unbounded.
type keyRange struct {
	lo, hi []byte
}

func (r keyRange) contains(k []byte) bool {
	return bytes.Compare(k, r.lo) >= 0 && belowUpper(k, r.hi)
}

func (r keyRange) overlaps(o keyRange) bool {
	return belowUpper(r.lo, o.hi) && belowUpper(o.lo, r.hi)
}

func (r keyRange) empty() bool {
	return r.hi != nil && bytes.Compare(r.lo, r.hi) >= 0
}

// logEntry records what one accepted commit wrote. Entries newer than a
// transaction's snapshot are what the transaction is validated against.
type logEntry struct {
	vs     Versionstamp
	keys   [][]byte // sorted
	ranges []keyRange

	// failed entries did not reach the backend and conflict with nothing.
	failed atomic.Bool
}

func (e *logEntry) hasKey(k []byte) bool {
	_, found := slices.BinarySearchFunc(e.keys, k, bytes.Compare)
	return found
}

func (e *logEntry) touchesRange(r keyRange) bool {
	if r.empty() {
		return false
	}
	i, _ := slices.BinarySearchFunc(e.keys, r.lo, bytes.Compare)
	if i < len(e.keys) && r.contains(e.keys[i]) {
		return true
	}
	for _, er := range e.ranges {
		if er.overlaps(r) {
			return true
		}
	}
	return false
}

func (e *logEntry) touchesKey(k []byte) bool {
	if e.hasKey(k) {
		return true
	}
	for _, er := range e.ranges {
		if er.contains(k) {
			return true
		}
	}
	return false
}

// commitLog is guarded by Datastore.commitMu.
type commitLog struct {
	entries []*logEntry // ascending vs
}

func (l *commitLog) append(e *logEntry) {
	l.entries = append(l.entries, e)
}

// validate finds the first entry newer than tx's snapshot that overlaps
// tx's read set or write set.
func (l *commitLog) validate(tx *Tx) *ConflictError {
	start, _ := slices.BinarySearchFunc(l.entries, tx.snapshot+1, func(e *logEntry, vs Versionstamp) int {
		return cmp.Compare(e.vs, vs)
	})
	for _, e := range l.entries[start:] {
		if e.failed.Load() {
			continue
		}
		if k := tx.conflictingKey(e); k != nil {
			return &ConflictError{Kind: ReadWriteConflict, Key: k, Versionstamp: e.vs}
		}
	}
	return nil
}

// prune drops entries no active or future transaction can conflict with.
func (l *commitLog) prune(horizon Versionstamp) int {
	n, _ := slices.BinarySearchFunc(l.entries, horizon+1, func(e *logEntry, vs Versionstamp) int {
		return cmp.Compare(e.vs, vs)
	})
	if n == 0 {
		return 0
	}
	clear(l.entries[:n])
	l.entries = l.entries[n:]
	return n
}

func (l *commitLog) len() int {
	return len(l.entries)
}

// watermark tracks the highest versionstamp below which every commit has
// either reached the backend or failed. New transactions read at the
// watermark, and changes are published in watermark order.
type watermark struct {
	mu       sync.Mutex
	visible  Versionstamp
	finished map[Versionstamp]*Change // nil value for failed commits
	changed  chan struct{}
	publish  func(*Change)
}

func newWatermark(start Versionstamp, publish func(*Change)) *watermark {
	return &watermark{
		visible:  start,
		finished: make(map[Versionstamp]*Change),
		changed:  make(chan struct{}),
		publish:  publish,
	}
}

func (w *watermark) load() Versionstamp {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible
}

// done marks vs as finished. chg is nil when the commit failed.
func (w *watermark) done(vs Versionstamp, chg *Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished[vs] = chg

	advanced := false
	for {
		next := w.visible + 1
		c, ok := w.finished[next]
		if !ok {
			break
		}
		delete(w.finished, next)
		w.visible = next
		advanced = true
		if c != nil && w.publish != nil {
			w.publish(c)
		}
	}
	if advanced {
		close(w.changed)
		w.changed = make(chan struct{})
	}
}

// wait blocks until the watermark reaches vs.
func (w *watermark) wait(ctx context.Context, vs Versionstamp) error {
	for {
		w.mu.Lock()
		if w.visible >= vs {
			w.mu.Unlock()
			return nil
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
