package kvs

import (
	"bytes"

	"github.com/google/btree"
)

// pendingWrite is a buffered set or delete. Deletes stay in the write set
// as tombstones so that they hide the snapshot's value.
type pendingWrite struct {
	key   []byte
	value []byte
	del   bool
}

func pendingWriteLess(a, b *pendingWrite) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// writeSet keeps a transaction's pending writes in key order.
type writeSet struct {
	tree *btree.BTreeG[*pendingWrite]
}

func newWriteSet() *writeSet {
	return &writeSet{tree: btree.NewG(memDegree, pendingWriteLess)}
}

func (ws *writeSet) get(key []byte) (*pendingWrite, bool) {
	return ws.tree.Get(&pendingWrite{key: key})
}

func (ws *writeSet) put(pw *pendingWrite) {
	ws.tree.ReplaceOrInsert(pw)
}

func (ws *writeSet) len() int {
	return ws.tree.Len()
}

func (ws *writeSet) ascend(fn func(pw *pendingWrite) bool) {
	ws.tree.Ascend(fn)
}

// collect returns the pending writes with lo <= key < hi.
func (ws *writeSet) collect(lo, hi []byte) []*pendingWrite {
	var result []*pendingWrite
	visit := func(pw *pendingWrite) bool {
		result = append(result, pw)
		return true
	}
	if hi == nil {
		ws.tree.AscendGreaterOrEqual(&pendingWrite{key: lo}, visit)
	} else {
		ws.tree.AscendRange(&pendingWrite{key: lo}, &pendingWrite{key: hi}, visit)
	}
	return result
}

func (ws *writeSet) keys() [][]byte {
	keys := make([][]byte, 0, ws.tree.Len())
	ws.tree.Ascend(func(pw *pendingWrite) bool {
		keys = append(keys, pw.key)
		return true
	})
	return keys
}

func (ws *writeSet) clear() {
	ws.tree.Clear(false)
}
