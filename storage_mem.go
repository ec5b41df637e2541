package kvs

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/btree"
)

const memDegree = 32

var errHandleDone = errors.New("backend handle already committed or cancelled")

type memItem struct {
	key   []byte
	value []byte
}

func memItemLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memBackend keeps everything in a B-tree. Every handle reads from a
// copy-on-write clone taken at Begin, so snapshots cost O(1).
type memBackend struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[memItem]
	seq    uint64
	closed bool
}

// NewMemoryBackend returns a transient in-memory engine.
func NewMemoryBackend() Backend {
	return &memBackend{tree: btree.NewG(memDegree, memItemLess)}
}

func (s *memBackend) Capabilities() Capabilities {
	return Capabilities{Name: "memory"}
}

func (s *memBackend) Begin(ctx context.Context, mode Mode) (BackendTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, backendErr("memory", "begin", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("memory", "begin", ErrClosed)
	}
	return &memTx{
		base: s,
		mode: mode,
		snap: s.tree.Clone(),
	}, nil
}

func (s *memBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = nil
	return nil
}

// bufferedOp is a write held back until commit.
type bufferedOp struct {
	key   []byte
	value []byte
	del   bool
}

type memTx struct {
	base *memBackend
	mode Mode
	snap *btree.BTreeG[memItem]
	ops  []bufferedOp
	done bool
}

func (tx *memTx) check(ctx context.Context, op string, write bool) error {
	if tx.done {
		return unavailable("memory", op, errHandleDone)
	}
	if write && tx.mode != ReadWrite {
		return ErrReadOnly
	}
	return backendErr("memory", op, ctx.Err())
}

func (tx *memTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := tx.check(ctx, "get", false); err != nil {
		return nil, err
	}
	item, ok := tx.snap.Get(memItem{key: key})
	if !ok {
		return nil, nil
	}
	return slices.Clone(item.value), nil
}

func (tx *memTx) Set(ctx context.Context, key, value []byte) error {
	if err := tx.check(ctx, "set", true); err != nil {
		return err
	}
	op := bufferedOp{key: slices.Clone(key), value: append([]byte{}, value...)}
	tx.ops = append(tx.ops, op)
	tx.snap.ReplaceOrInsert(memItem{op.key, op.value})
	return nil
}

func (tx *memTx) Delete(ctx context.Context, key []byte) error {
	if err := tx.check(ctx, "delete", true); err != nil {
		return err
	}
	op := bufferedOp{key: slices.Clone(key), del: true}
	tx.ops = append(tx.ops, op)
	tx.snap.Delete(memItem{key: op.key})
	return nil
}

func (tx *memTx) Scan(ctx context.Context, lo, hi []byte, limit int) (ScanPage, error) {
	if err := tx.check(ctx, "scan", false); err != nil {
		return ScanPage{}, err
	}
	var items []KV
	var more bool
	visit := func(item memItem) bool {
		if limit > 0 && len(items) >= limit {
			more = true
			return false
		}
		items = append(items, KV{slices.Clone(item.key), slices.Clone(item.value)})
		return true
	}
	if hi == nil {
		tx.snap.AscendGreaterOrEqual(memItem{key: lo}, visit)
	} else {
		tx.snap.AscendRange(memItem{key: lo}, memItem{key: hi}, visit)
	}
	return nextPage(items, limit, more), nil
}

func (tx *memTx) Commit(ctx context.Context) (CommitToken, error) {
	if tx.done {
		return 0, unavailable("memory", "commit", errHandleDone)
	}
	defer tx.Cancel()

	s := tx.base
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("memory", "commit", ErrClosed)
	}
	for _, op := range tx.ops {
		if op.del {
			s.tree.Delete(memItem{key: op.key})
		} else {
			s.tree.ReplaceOrInsert(memItem{op.key, op.value})
		}
	}
	s.seq++
	return CommitToken(s.seq), nil
}

func (tx *memTx) Cancel() {
	tx.done = true
	tx.snap = nil
	tx.ops = nil
}
