package kvs

import (
	"bytes"
	"context"
)

// Mode selects whether a transaction may write.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Backend is a storage engine (in-memory, Bolt, Badger, ...).
type Backend interface {
	// Begin opens a handle reading from a consistent snapshot. Fails with
	// ErrUnavailable when the engine cannot open a transaction.
	Begin(ctx context.Context, mode Mode) (BackendTx, error)

	Capabilities() Capabilities

	Close() error
}

// BackendTx is a handle bound to one engine snapshot.
//
// Engines without native multi-operation transactions buffer Set and
// Delete until Commit; engines with native transactions apply them
// immediately and roll back on Cancel. Either way, nothing is visible to
// other handles before Commit. Whether a handle's own reads observe its
// pending writes is engine-specific; Tx never relies on it.
//
// Handles are not safe for concurrent use.
type BackendTx interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	Set(ctx context.Context, key, value []byte) error

	Delete(ctx context.Context, key []byte) error

	// Scan returns up to limit pairs with lo <= key < hi, in key order.
	// A nil hi means no upper bound; limit <= 0 means no limit. When more
	// pairs remain, page.Next is the lower bound to resume from.
	Scan(ctx context.Context, lo, hi []byte, limit int) (ScanPage, error)

	// Commit applies the handle's writes atomically. Conflicts detected by
	// the engine are reported as *ConflictError.
	Commit(ctx context.Context) (CommitToken, error)

	// Cancel discards the handle. It always succeeds and may be called
	// more than once, including after Commit.
	Cancel()
}

type Capabilities struct {
	Name string

	// Persistent engines keep data across restarts.
	Persistent bool

	// NativeConflicts engines detect conflicting commits themselves.
	NativeConflicts bool

	// ImmediateWrites engines apply Set/Delete to the handle right away.
	ImmediateWrites bool
}

// KV is a key-value pair returned by a scan. Both slices are owned by the
// caller.
type KV struct {
	Key   []byte
	Value []byte
}

type ScanPage struct {
	Items []KV
	Next  []byte
}

// CommitToken is an engine-specific acknowledgement of a commit.
type CommitToken uint64

// nextPage builds a page, adding a continuation key when the scan stopped
// at the limit with more pairs remaining.
func nextPage(items []KV, limit int, more bool) ScanPage {
	if limit > 0 && len(items) >= limit && more {
		return ScanPage{Items: items, Next: keySuccessor(items[len(items)-1].Key)}
	}
	return ScanPage{Items: items}
}

// belowUpper reports whether k < hi, treating nil hi as unbounded.
func belowUpper(k, hi []byte) bool {
	return hi == nil || bytes.Compare(k, hi) < 0
}
