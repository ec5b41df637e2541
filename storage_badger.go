package kvs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions tune the Badger engine.
type BadgerOptions struct {
	InMemory         bool  `toml:"in_memory"`
	SyncWrites       bool  `toml:"sync_writes"`
	ValueLogFileSize int64 `toml:"value_log_file_size"`
}

// badgerBackend maps each handle onto a native Badger transaction. Badger
// detects conflicts itself; writes are applied to the transaction
// immediately and dropped on Discard.
type badgerBackend struct {
	db       *badger.DB
	inMemory bool
	seq      atomic.Uint64
}

// OpenBadgerBackend opens a Badger database in dir. An empty dir (or
// opt.InMemory) selects Badger's disk-less mode.
func OpenBadgerBackend(dir string, opt BadgerOptions, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inMemory := opt.InMemory || dir == ""
	var bopt badger.Options
	if inMemory {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(dir)
	}
	bopt = bopt.WithLogger(badgerLogger{logger}).WithSyncWrites(opt.SyncWrites)
	if opt.ValueLogFileSize > 0 {
		bopt = bopt.WithValueLogFileSize(opt.ValueLogFileSize)
	}

	db, err := badger.Open(bopt)
	if err != nil {
		return nil, unavailable("badger", "open", err)
	}
	return &badgerBackend{db: db, inMemory: inMemory}, nil
}

func (s *badgerBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:            "badger",
		Persistent:      !s.inMemory,
		NativeConflicts: true,
		ImmediateWrites: true,
	}
}

func (s *badgerBackend) Begin(ctx context.Context, mode Mode) (BackendTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, backendErr("badger", "begin", err)
	}
	if s.db.IsClosed() {
		return nil, unavailable("badger", "begin", ErrClosed)
	}
	return &badgerTx{base: s, txn: s.db.NewTransaction(mode == ReadWrite), mode: mode}, nil
}

func (s *badgerBackend) Close() error {
	err := s.db.Close()
	if err != nil {
		return backendErr("badger", "close", err)
	}
	return nil
}

type badgerTx struct {
	base *badgerBackend
	txn  *badger.Txn
	mode Mode
	done bool
}

func (tx *badgerTx) check(ctx context.Context, op string, write bool) error {
	if tx.done {
		return unavailable("badger", op, errHandleDone)
	}
	if write && tx.mode != ReadWrite {
		return ErrReadOnly
	}
	return backendErr("badger", op, ctx.Err())
}

func badgerErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return &ConflictError{Kind: ReadWriteConflict}
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, badger.ErrDBClosed):
		return unavailable("badger", op, err)
	default:
		return backendErr("badger", op, err)
	}
}

func (tx *badgerTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := tx.check(ctx, "get", false); err != nil {
		return nil, err
	}
	item, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, badgerErr("get", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, badgerErr("get", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// touch adds key to Badger's read set, so that blind writes conflict with
// concurrent writers too.
func (tx *badgerTx) touch(key []byte) error {
	_, err := tx.txn.Get(key)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (tx *badgerTx) Set(ctx context.Context, key, value []byte) error {
	if err := tx.check(ctx, "set", true); err != nil {
		return err
	}
	if err := tx.touch(key); err != nil {
		return badgerErr("set", err)
	}
	// Badger holds on to both slices until commit.
	return badgerErr("set", tx.txn.Set(slices.Clone(key), append([]byte{}, value...)))
}

func (tx *badgerTx) Delete(ctx context.Context, key []byte) error {
	if err := tx.check(ctx, "delete", true); err != nil {
		return err
	}
	if err := tx.touch(key); err != nil {
		return badgerErr("delete", err)
	}
	return badgerErr("delete", tx.txn.Delete(slices.Clone(key)))
}

func (tx *badgerTx) Scan(ctx context.Context, lo, hi []byte, limit int) (ScanPage, error) {
	if err := tx.check(ctx, "scan", false); err != nil {
		return ScanPage{}, err
	}
	opt := badger.DefaultIteratorOptions
	if limit > 0 && limit < opt.PrefetchSize {
		opt.PrefetchSize = limit
	}
	it := tx.txn.NewIterator(opt)
	defer it.Close()

	var items []KV
	var more bool
	for it.Seek(lo); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if !belowUpper(k, hi) {
			break
		}
		if limit > 0 && len(items) >= limit {
			more = true
			break
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return ScanPage{}, badgerErr("scan", err)
		}
		if v == nil {
			v = []byte{}
		}
		items = append(items, KV{k, v})
	}
	return nextPage(items, limit, more), nil
}

func (tx *badgerTx) Commit(ctx context.Context) (CommitToken, error) {
	if tx.done {
		return 0, unavailable("badger", "commit", errHandleDone)
	}
	if tx.mode != ReadWrite {
		tx.Cancel()
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		tx.Cancel()
		return 0, backendErr("badger", "commit", err)
	}
	tx.done = true
	err := tx.txn.Commit()
	if err != nil {
		tx.txn.Discard()
		return 0, badgerErr("commit", err)
	}
	return CommitToken(tx.base.seq.Add(1)), nil
}

func (tx *badgerTx) Cancel() {
	tx.done = true
	tx.txn.Discard()
}

// badgerLogger forwards Badger's log output to slog. Badger is chatty at
// info level, so info goes to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) log(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	l.logger.LogAttrs(ctx, level, "badger: "+msg)
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.log(slog.LevelError, format, args) }
func (l badgerLogger) Warningf(format string, args ...any) { l.log(slog.LevelWarn, format, args) }
func (l badgerLogger) Infof(format string, args ...any)    { l.log(slog.LevelDebug, format, args) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.log(slog.LevelDebug, format, args) }
