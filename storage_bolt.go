package kvs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucketName = []byte("kvs")

// BoltOptions tune the Bolt engine.
type BoltOptions struct {
	NoSync          bool          `toml:"no_sync"`
	Timeout         time.Duration `toml:"timeout"`
	InitialMmapSize int           `toml:"initial_mmap_size"`
}

// boltBackend stores all keys in a single Bolt bucket. Handles read from a
// read-only Bolt transaction opened at Begin; writes are buffered and
// applied in one read-write transaction at commit.
type boltBackend struct {
	bdb *bbolt.DB
}

// OpenBoltBackend opens (creating if needed) the Bolt file at path.
func OpenBoltBackend(path string, opt BoltOptions) (Backend, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	bopt.NoSync = opt.NoSync
	bopt.FreelistType = bbolt.FreelistMapType
	if opt.NoSync {
		bopt.NoFreelistSync = true
	}
	if opt.InitialMmapSize != 0 {
		bopt.InitialMmapSize = opt.InitialMmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, unavailable("bolt", "open", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltBucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, unavailable("bolt", "open", err)
	}
	return &boltBackend{bdb: bdb}, nil
}

func (s *boltBackend) Capabilities() Capabilities {
	return Capabilities{Name: "bolt", Persistent: true}
}

func (s *boltBackend) Begin(ctx context.Context, mode Mode) (BackendTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, backendErr("bolt", "begin", err)
	}
	btx, err := s.bdb.Begin(false)
	if err != nil {
		return nil, unavailable("bolt", "begin", err)
	}
	return &boltTx{base: s, btx: btx, mode: mode}, nil
}

func (s *boltBackend) Close() error {
	err := s.bdb.Close()
	if err != nil {
		return backendErr("bolt", "close", err)
	}
	return nil
}

type boltTx struct {
	base *boltBackend
	btx  *bbolt.Tx
	mode Mode
	ops  []bufferedOp
	done bool
}

func (tx *boltTx) check(ctx context.Context, op string, write bool) error {
	if tx.done {
		return unavailable("bolt", op, errHandleDone)
	}
	if write && tx.mode != ReadWrite {
		return ErrReadOnly
	}
	return backendErr("bolt", op, ctx.Err())
}

func (tx *boltTx) bucket() *bbolt.Bucket {
	return tx.btx.Bucket(boltBucketName)
}

func (tx *boltTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := tx.check(ctx, "get", false); err != nil {
		return nil, err
	}
	v := tx.bucket().Get(key)
	if v == nil {
		return nil, nil
	}
	// Bolt memory is only valid while the transaction is open.
	return append([]byte{}, v...), nil
}

func (tx *boltTx) Set(ctx context.Context, key, value []byte) error {
	if err := tx.check(ctx, "set", true); err != nil {
		return err
	}
	if len(key) > bbolt.MaxKeySize {
		return backendErr("bolt", "set", fmt.Errorf("key too large: %d bytes", len(key)))
	}
	tx.ops = append(tx.ops, bufferedOp{key: slices.Clone(key), value: append([]byte{}, value...)})
	return nil
}

func (tx *boltTx) Delete(ctx context.Context, key []byte) error {
	if err := tx.check(ctx, "delete", true); err != nil {
		return err
	}
	tx.ops = append(tx.ops, bufferedOp{key: slices.Clone(key), del: true})
	return nil
}

func (tx *boltTx) Scan(ctx context.Context, lo, hi []byte, limit int) (ScanPage, error) {
	if err := tx.check(ctx, "scan", false); err != nil {
		return ScanPage{}, err
	}
	var items []KV
	var more bool
	c := tx.bucket().Cursor()
	for k, v := c.Seek(lo); k != nil && belowUpper(k, hi); k, v = c.Next() {
		if limit > 0 && len(items) >= limit {
			more = true
			break
		}
		items = append(items, KV{bytes.Clone(k), append([]byte{}, v...)})
	}
	return nextPage(items, limit, more), nil
}

func (tx *boltTx) Commit(ctx context.Context) (CommitToken, error) {
	if tx.done {
		return 0, unavailable("bolt", "commit", errHandleDone)
	}
	ops := tx.ops
	// The read transaction must be gone before Update: Bolt cannot remap
	// its file while any read transaction is open.
	tx.Cancel()
	if len(ops) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, backendErr("bolt", "commit", err)
	}

	var token CommitToken
	err := tx.base.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltBucketName)
		for _, op := range ops {
			var err error
			if op.del {
				err = b.Delete(op.key)
			} else {
				err = b.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		token = CommitToken(btx.ID())
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return 0, unavailable("bolt", "commit", err)
	} else if err != nil {
		return 0, backendErr("bolt", "commit", err)
	}
	return token, nil
}

func (tx *boltTx) Cancel() {
	if tx.done {
		return
	}
	tx.done = true
	tx.ops = nil
	// The only error Rollback returns is ErrTxClosed.
	_ = tx.btx.Rollback()
}
