package kvs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"
)

type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxCancelled
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("txstate(%d)", int(s))
	}
}

// Tx is a unit of work against one snapshot of the datastore. Writes are
// buffered in the Tx and become visible to others atomically on Commit.
//
// A Tx is not safe for concurrent use. Values returned by Read may be
// shared with other transactions through the cache and must not be
// mutated.
type Tx struct {
	db       *Datastore
	btx      BackendTx
	mode     Mode
	snapshot Versionstamp
	state    TxState

	writes        *writeSet
	cache         txCache
	readKeys      map[string]struct{}
	readRanges    []keyRange
	removedRanges []keyRange

	onCommit []func(Versionstamp)

	startTime time.Time
	stack     []byte
}

func (tx *Tx) DB() *Datastore {
	return tx.db
}

func (tx *Tx) Mode() Mode {
	return tx.mode
}

func (tx *Tx) State() TxState {
	return tx.state
}

// Snapshot is the versionstamp of the newest commit the transaction sees.
func (tx *Tx) Snapshot() Versionstamp {
	return tx.snapshot
}

func (tx *Tx) IsWritable() bool {
	return tx.mode == ReadWrite
}

// OnCommit registers f to run after a successful commit.
func (tx *Tx) OnCommit(f func(vs Versionstamp)) {
	tx.onCommit = append(tx.onCommit, f)
}

func (tx *Tx) checkActive() error {
	if tx.state != TxActive {
		return ErrFinalized
	}
	return nil
}

func (tx *Tx) checkWritable() error {
	if tx.state != TxActive {
		return ErrFinalized
	}
	if tx.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

func (tx *Tx) recordRead(key []byte) {
	if tx.mode != ReadWrite {
		return
	}
	if tx.readKeys == nil {
		tx.readKeys = make(map[string]struct{})
	}
	tx.readKeys[string(key)] = struct{}{}
}

// recordRange returns the index of the new read range, or -1.
func (tx *Tx) recordRange(lo, hi []byte) int {
	if tx.mode != ReadWrite {
		return -1
	}
	tx.readRanges = append(tx.readRanges, keyRange{lo, hi})
	return len(tx.readRanges) - 1
}

// lookup resolves key through the write set, the caches and the backend.
func (tx *Tx) lookup(ctx context.Context, key []byte) (CachedValue, error) {
	tx.recordRead(key)
	tx.db.stats.reads.Add(1)

	if pw, ok := tx.writes.get(key); ok {
		if pw.del {
			return CachedValue{}, nil
		}
		return CachedValue{Raw: pw.value, Found: true}, nil
	}

	if cv, ok := tx.cache.lookup(key); ok {
		tx.db.stats.cacheHits.Add(1)
		return cv, nil
	}
	if shared := tx.db.shared; shared != nil {
		if cv, ok := shared.Lookup(key, tx.snapshot); ok {
			tx.db.stats.cacheHits.Add(1)
			tx.cache.insert(key, cv)
			return cv, nil
		}
	}
	tx.db.stats.cacheMisses.Add(1)

	raw, err := tx.btx.Get(ctx, key)
	if err != nil {
		return CachedValue{}, err
	}
	cv := CachedValue{Raw: raw, Found: raw != nil}
	tx.cache.insert(key, cv)
	if shared := tx.db.shared; shared != nil {
		shared.Insert(key, tx.snapshot, cv)
	}
	return cv, nil
}

// ReadRaw returns the raw value stored under key.
func (tx *Tx) ReadRaw(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := tx.checkActive(); err != nil {
		return nil, false, err
	}
	cv, err := tx.lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: GET", keyAttr("key", key), slog.Bool("found", cv.Found))
	}
	return cv.Raw, cv.Found, nil
}

// Read returns the decoded value stored under k.
func (tx *Tx) Read(ctx context.Context, k Key) (any, bool, error) {
	if err := tx.checkActive(); err != nil {
		return nil, false, err
	}
	key, err := EncodeKey(k)
	if err != nil {
		return nil, false, err
	}
	cv, err := tx.lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: GET", slog.String("key", k.String()), slog.Bool("found", cv.Found))
	}
	if !cv.Found {
		return nil, false, nil
	}
	if !cv.Decoded {
		err = cv.decode()
		if err != nil {
			return nil, false, err
		}
		if _, pending := tx.writes.get(key); !pending {
			tx.cache.insert(key, cv)
		}
	}
	return cv.Value, true, nil
}

func (tx *Tx) Exists(ctx context.Context, k Key) (bool, error) {
	if err := tx.checkActive(); err != nil {
		return false, err
	}
	key, err := EncodeKey(k)
	if err != nil {
		return false, err
	}
	cv, err := tx.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return cv.Found, nil
}

// Get decodes the value stored under k into a new T. It returns nil when
// the key does not exist.
func Get[T any](ctx context.Context, tx *Tx, k Key) (*T, error) {
	key, err := EncodeKey(k)
	if err != nil {
		return nil, err
	}
	raw, found, err := tx.ReadRaw(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	v := new(T)
	err = decodeValueInto(raw, v)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Write stores the msgpack encoding of v under k.
func (tx *Tx) Write(ctx context.Context, k Key, v any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key, err := EncodeKey(k)
	if err != nil {
		return err
	}
	value, err := encodeValue(nil, v)
	if err != nil {
		return err
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: PUT", slog.String("key", k.String()), slog.Int("size", len(value)))
	}
	tx.put(key, value)
	return nil
}

func (tx *Tx) WriteRaw(ctx context.Context, key, value []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: PUT", keyAttr("key", key), slog.Int("size", len(value)))
	}
	tx.put(slices.Clone(key), slices.Clone(value))
	return nil
}

func (tx *Tx) put(key, value []byte) {
	tx.writes.put(&pendingWrite{key: key, value: value})
	tx.cache.invalidate(key)
	tx.db.stats.writes.Add(1)
}

func (tx *Tx) Remove(ctx context.Context, k Key) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key, err := EncodeKey(k)
	if err != nil {
		return err
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: DELETE", slog.String("key", k.String()))
	}
	tx.del(key)
	return nil
}

func (tx *Tx) RemoveRaw(ctx context.Context, key []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: DELETE", keyAttr("key", key))
	}
	tx.del(slices.Clone(key))
	return nil
}

func (tx *Tx) del(key []byte) {
	tx.writes.put(&pendingWrite{key: key, del: true})
	tx.cache.invalidate(key)
	tx.db.stats.writes.Add(1)
}

// RemoveRange deletes every key under p, as seen by the transaction, and
// returns how many there were. Concurrent commits that add keys under p
// conflict with this transaction.
func (tx *Tx) RemoveRange(ctx context.Context, p Prefix) (int, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	lo, hi, err := KeyRange(p)
	if err != nil {
		return 0, err
	}
	return tx.removeRange(ctx, lo, hi)
}

func (tx *Tx) removeRange(ctx context.Context, lo, hi []byte) (int, error) {
	var keys [][]byte
	c := tx.RangeRaw(ctx, lo, hi, ScanOptions{})
	for c.Next() {
		// the versionstamp reservation outlives any range delete
		if bytes.Equal(c.RawKey(), tx.db.oracle.key) {
			continue
		}
		keys = append(keys, c.RawKey())
	}
	c.Close()
	if err := c.Err(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		tx.del(k)
	}
	tx.cache.invalidatePrefix(lo, hi)
	tx.removedRanges = append(tx.removedRanges, keyRange{lo, hi})
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: DELETE.RANGE", keyAttr("lo", lo), hexAttr("hi", hi), slog.Int("count", len(keys)))
	}
	return len(keys), nil
}

// Commit makes the transaction's writes visible, or fails with a
// *ConflictError if a concurrent commit invalidated what it read. Either
// way the transaction is finished.
//
// Read-only and empty transactions commit trivially at their snapshot.
func (tx *Tx) Commit(ctx context.Context) (Versionstamp, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	if tx.mode != ReadWrite || tx.writes.len() == 0 {
		tx.finish(TxCommitted)
		tx.runCommitHooks(tx.snapshot)
		return tx.snapshot, nil
	}
	return tx.db.commit(ctx, tx)
}

// Cancel discards the transaction. It is safe to call at any time,
// including after Commit.
func (tx *Tx) Cancel() {
	if tx.state != TxActive {
		return
	}
	tx.finish(TxCancelled)
	tx.db.stats.cancelled.Add(1)
}

func (tx *Tx) finish(state TxState) {
	tx.state = state
	tx.btx.Cancel()
	tx.cache.clear()
	tx.readKeys = nil
	tx.readRanges = nil
	tx.db.removeTx(tx)
}

func (tx *Tx) runCommitHooks(vs Versionstamp) {
	for _, f := range tx.onCommit {
		f(vs)
	}
	tx.onCommit = nil
}

// conflictingKey returns a key (or range start) through which the commit
// recorded in e invalidates tx, or nil.
func (tx *Tx) conflictingKey(e *logEntry) []byte {
	for k := range tx.readKeys {
		if e.touchesKey([]byte(k)) {
			return []byte(k)
		}
	}
	for _, r := range tx.readRanges {
		if e.touchesRange(r) {
			return r.lo
		}
	}
	var hit []byte
	tx.writes.ascend(func(pw *pendingWrite) bool {
		if e.touchesKey(pw.key) {
			hit = pw.key
			return false
		}
		return true
	})
	return hit
}

// apply pushes the write set into the backend handle and commits it.
func (tx *Tx) apply(ctx context.Context) error {
	var err error
	tx.writes.ascend(func(pw *pendingWrite) bool {
		if pw.del {
			err = tx.btx.Delete(ctx, pw.key)
		} else {
			err = tx.btx.Set(ctx, pw.key, pw.value)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	_, err = tx.btx.Commit(ctx)
	return err
}

func (tx *Tx) logEntry() *logEntry {
	return &logEntry{
		keys:   tx.writes.keys(),
		ranges: slices.Clone(tx.removedRanges),
	}
}

func (tx *Tx) change(vs Versionstamp, now time.Time) *Change {
	chg := &Change{
		Versionstamp: vs,
		Time:         now,
		Mutations:    make([]Mutation, 0, tx.writes.len()),
	}
	tx.writes.ascend(func(pw *pendingWrite) bool {
		if pw.del {
			chg.Mutations = append(chg.Mutations, Mutation{Op: OpDelete, Key: pw.key})
		} else {
			chg.Mutations = append(chg.Mutations, Mutation{Op: OpPut, Key: pw.key, Value: pw.value})
		}
		return true
	})
	return chg
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}
