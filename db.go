package kvs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

// Datastore owns a backend and hands out transactions over it. It detects
// conflicts between concurrent transactions, assigns versionstamps to
// commits and publishes committed changes to subscribers.
type Datastore struct {
	backend      Backend
	caps         Capabilities
	logger       *slog.Logger
	verbose      bool
	strict       bool
	scanPageSize int
	now          func() time.Time

	shared *SharedCache
	oracle *oracle
	mark   *watermark
	feed   *changeFeed

	// commitMu guards validation, versionstamp assignment and log.
	commitMu sync.Mutex
	log      commitLog

	// applyMu is held exclusively while a commit reaches the backend and
	// the watermark, and shared while a transaction fixes its snapshot and
	// opens its backend handle, so the two always agree.
	applyMu sync.RWMutex

	txns     []*Tx
	txnsLock sync.Mutex

	closed atomic.Bool
	stats  counters
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Strict requires namespaces, databases and tables to be defined
	// before anything is defined inside them.
	Strict bool

	// CacheSize enables the shared decoded-entry cache, bounded to roughly
	// this many bytes.
	CacheSize int64

	VersionstampWindow uint64
	ScanPageSize       int

	// ChangeFeedDir, if set, makes the change feed durable.
	ChangeFeedDir         string
	ChangeFeedSync        bool
	ChangeFeedSegmentSize int64

	// ChangeFeedHistory is how many recent changes are kept in memory for
	// new subscribers.
	ChangeFeedHistory int

	Now func() time.Time
}

// NewDatastore takes ownership of backend.
func NewDatastore(ctx context.Context, backend Backend, opt Options) (*Datastore, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.ScanPageSize <= 0 {
		opt.ScanPageSize = DefaultScanPageSize
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	db := &Datastore{
		backend:      backend,
		caps:         backend.Capabilities(),
		logger:       opt.Logger,
		verbose:      opt.Verbose,
		strict:       opt.Strict,
		scanPageSize: opt.ScanPageSize,
		now:          opt.Now,
	}
	if opt.CacheSize > 0 {
		db.shared = NewSharedCache(opt.CacheSize)
	}

	var err error
	db.oracle, err = openOracle(ctx, backend, opt.VersionstampWindow, db.logger)
	if err != nil {
		return nil, fmt.Errorf("kvs: initializing versionstamps: %w", err)
	}
	start := db.oracle.current()

	db.feed, err = openChangeFeed(ctx, feedOptions{
		dir:         opt.ChangeFeedDir,
		sync:        opt.ChangeFeedSync,
		segmentSize: opt.ChangeFeedSegmentSize,
		history:     opt.ChangeFeedHistory,
		start:       start,
		logger:      db.logger,
		verbose:     opt.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("kvs: opening change feed: %w", err)
	}
	db.mark = newWatermark(start, db.feed.publish)

	db.logger.LogAttrs(ctx, slog.LevelInfo, "db: opened", slog.String("backend", db.caps.Name), slog.Bool("persistent", db.caps.Persistent), slog.Uint64("vs", uint64(start)))
	return db, nil
}

func (db *Datastore) Backend() Backend {
	return db.backend
}

func (db *Datastore) Capabilities() Capabilities {
	return db.caps
}

// SharedCache returns the cross-transaction cache, or nil if disabled.
func (db *Datastore) SharedCache() *SharedCache {
	return db.shared
}

// Versionstamp returns the newest versionstamp visible to new
// transactions.
func (db *Datastore) Versionstamp() Versionstamp {
	return db.mark.load()
}

// Close stops the change feed and closes the backend. Open transactions
// must be finished first.
func (db *Datastore) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := db.openTxnCount(); n > 0 {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "db: closing with open transactions", slog.Int("count", n))
	}
	ferr := db.feed.close()
	berr := db.backend.Close()
	if ferr != nil {
		return ferr
	}
	return berr
}

// Begin starts a transaction. The caller must Commit or Cancel it.
func (db *Datastore) Begin(ctx context.Context, mode Mode) (*Tx, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	tx := &Tx{
		db:        db,
		mode:      mode,
		writes:    newWriteSet(),
		startTime: time.Now(),
	}
	if trackTxns && db.verbose {
		tx.stack = debug.Stack()
	}
	db.applyMu.RLock()
	db.addTx(tx)
	btx, err := db.backend.Begin(ctx, mode)
	db.applyMu.RUnlock()
	if err != nil {
		db.removeTx(tx)
		return nil, err
	}
	tx.btx = btx
	db.stats.begun.Add(1)
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "db: BEGIN", slog.String("mode", mode.String()), slog.Uint64("snapshot", uint64(tx.snapshot)))
	}
	return tx, nil
}

// Update runs fn in a read-write transaction and commits it if fn
// succeeds. Panics in fn are returned as errors. Update does not retry;
// see Retry.
func (db *Datastore) Update(ctx context.Context, fn func(tx *Tx) error) (Versionstamp, error) {
	tx, err := db.Begin(ctx, ReadWrite)
	if err != nil {
		return 0, err
	}
	defer tx.Cancel()
	err = safelyCall(fn, tx)
	if err != nil {
		return 0, err
	}
	return tx.Commit(ctx)
}

// View runs fn in a read-only transaction.
func (db *Datastore) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, ReadOnly)
	if err != nil {
		return err
	}
	defer tx.Cancel()
	return safelyCall(fn, tx)
}

const (
	retryBaseDelay = 2 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// Retry runs Update until it succeeds, fails with something other than a
// conflict, or attempts run out. Delays grow exponentially with jitter.
func (db *Datastore) Retry(ctx context.Context, attempts int, fn func(tx *Tx) error) (Versionstamp, error) {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		vs, err := db.Update(ctx, fn)
		if err == nil || !IsConflict(err) || attempt >= attempts {
			return vs, err
		}
		if db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "db: RETRY", slog.Int("attempt", attempt), slog.Any("err", err))
		}
		t := time.NewTimer(delay/2 + rand.N(delay/2+1))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
		delay = min(delay*2, retryMaxDelay)
	}
}

// commit validates tx against commits made since its snapshot, assigns it
// a versionstamp and applies it to the backend. Only validation and
// versionstamp assignment run under commitMu.
func (db *Datastore) commit(ctx context.Context, tx *Tx) (Versionstamp, error) {
	entry := tx.logEntry()

	var vs Versionstamp
	for {
		db.commitMu.Lock()
		if cerr := db.log.validate(tx); cerr != nil {
			db.commitMu.Unlock()
			db.stats.conflicts.Add(1)
			db.logger.LogAttrs(ctx, slog.LevelDebug, "db: conflict", slog.Uint64("snapshot", uint64(tx.snapshot)), keyAttr("key", cerr.Key), slog.Uint64("with", uint64(cerr.Versionstamp)))
			tx.finish(TxCancelled)
			return 0, cerr
		}
		var ok bool
		vs, ok = db.oracle.tryNext()
		if !ok {
			db.commitMu.Unlock()
			if err := db.oracle.extend(ctx); err != nil {
				tx.finish(TxCancelled)
				db.stats.failed.Add(1)
				return 0, err
			}
			continue
		}
		entry.vs = vs
		db.log.append(entry)
		if db.shared != nil {
			for _, k := range entry.keys {
				db.shared.Invalidate(k, vs)
			}
			for _, r := range entry.ranges {
				db.shared.InvalidatePrefix(r.lo, r.hi, vs)
			}
		}
		db.commitMu.Unlock()
		break
	}

	if db.oracle.low() {
		if err := db.oracle.extend(ctx); err != nil {
			db.logger.LogAttrs(ctx, slog.LevelWarn, "db: failed to reserve versionstamps", slog.Any("err", err))
		}
	}

	// Commits reach the backend in versionstamp order, so every snapshot
	// is a prefix of the history. Every earlier versionstamp is finished
	// eventually, successfully or not.
	_ = db.mark.wait(context.WithoutCancel(ctx), vs-1)

	db.applyMu.Lock()
	err := tx.apply(ctx)
	if err != nil {
		entry.failed.Store(true)
		db.mark.done(vs, nil)
		db.applyMu.Unlock()
		tx.finish(TxCancelled)
		if IsConflict(err) {
			db.stats.conflicts.Add(1)
		} else {
			db.stats.failed.Add(1)
			db.logger.LogAttrs(ctx, slog.LevelError, "db: commit failed", slog.Uint64("vs", uint64(vs)), slog.Any("err", err))
		}
		return 0, err
	}
	db.mark.done(vs, tx.change(vs, db.now()))
	db.applyMu.Unlock()

	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "db: COMMIT", slog.Uint64("vs", uint64(vs)), slog.Int("writes", tx.writes.len()))
	}
	tx.finish(TxCommitted)
	db.stats.committed.Add(1)
	db.prune()
	tx.runCommitHooks(vs)
	return vs, nil
}

// prune forgets commit log entries that no open or future transaction can
// conflict with.
func (db *Datastore) prune() {
	db.txnsLock.Lock()
	horizon := db.mark.load()
	for _, tx := range db.txns {
		if tx.mode == ReadWrite && tx.snapshot < horizon {
			horizon = tx.snapshot
		}
	}
	db.txnsLock.Unlock()

	db.commitMu.Lock()
	db.log.prune(horizon)
	db.commitMu.Unlock()
}

// addTx registers tx and fixes its snapshot. Both happen under txnsLock
// so that prune never drops log entries a new transaction needs.
func (db *Datastore) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	tx.snapshot = db.mark.load()
	db.txns = append(db.txns, tx)
}

func (db *Datastore) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *Datastore) openTxnCount() int {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	return len(db.txns)
}

func (db *Datastore) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 || tx.stack == nil {
			fmt.Fprintf(&buf, "\n---\n%s at %v, open for %d ms\n", tx.mode, tx.snapshot, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s at %v, open for %d ms:\n%s", tx.mode, tx.snapshot, ms, tx.stack)
		}
	}

	return buf.String()
}
