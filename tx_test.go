package kvs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTx_ReadYourWrites(t *testing.T) {
	eachBackend(t, func(t *testing.T, f backendFactory) {
		ctx := context.Background()
		db := setupWith(t, f.open(t, t.TempDir()))

		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("user", "a"), "committed"))
		})

		tx := must(db.Begin(ctx, ReadWrite))
		defer tx.Cancel()

		v, found := must2v(tx.Read(ctx, rec("user", "a")))
		require.True(t, found)
		require.Equal(t, "committed", v)

		require.NoError(t, tx.Write(ctx, rec("user", "a"), "pending"))
		v, found = must2v(tx.Read(ctx, rec("user", "a")))
		require.True(t, found)
		require.Equal(t, "pending", v)

		require.NoError(t, tx.Write(ctx, rec("user", "b"), "new"))
		require.True(t, must(tx.Exists(ctx, rec("user", "b"))))

		require.NoError(t, tx.Remove(ctx, rec("user", "a")))
		_, found = must2v(tx.Read(ctx, rec("user", "a")))
		require.False(t, found)
		require.False(t, must(tx.Exists(ctx, rec("user", "a"))))

		require.Equal(t, []string{`/test/test/user:"b"`}, rangeKeys(t, tx, RecordsPrefix{"test", "test", "user"}))
	})
}

func TestTx_Isolation(t *testing.T) {
	eachBackend(t, func(t *testing.T, f backendFactory) {
		ctx := context.Background()
		db := setupWith(t, f.open(t, t.TempDir()))

		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("t", 1), "v1"))
		})

		reader := must(db.Begin(ctx, ReadOnly))
		defer reader.Cancel()

		vs := update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("t", 1), "v2"))
			ensure(tx.Write(ctx, rec("t", 2), "v2"))
		})
		require.Greater(t, vs, reader.Snapshot())

		v, _ := must2v(reader.Read(ctx, rec("t", 1)))
		require.Equal(t, "v1", v)
		require.Equal(t, []string{"/test/test/t:1"}, rangeKeys(t, reader, RecordsPrefix{"test", "test", "t"}))

		view(t, db, func(tx *Tx) {
			v, _ := must2v(tx.Read(ctx, rec("t", 1)))
			require.Equal(t, "v2", v)
			require.Equal(t, vs, tx.Snapshot())
		})
	})
}

func TestTx_Scenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("later transaction sees its own write over a committed one", func(t *testing.T) {
		db := setup(t)
		t1 := must(db.Begin(ctx, ReadWrite))
		require.NoError(t, t1.Write(ctx, rec("t", "A"), int64(1)))
		_, err := t1.Commit(ctx)
		require.NoError(t, err)

		t2 := must(db.Begin(ctx, ReadWrite))
		defer t2.Cancel()
		require.NoError(t, t2.Write(ctx, rec("t", "A"), int64(2)))
		v, _ := must2v(t2.Read(ctx, rec("t", "A")))
		require.Equal(t, int64(2), v)
	})

	t.Run("concurrent writers of one key", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, f backendFactory) {
			db := setupWith(t, f.open(t, t.TempDir()))
			t1 := must(db.Begin(ctx, ReadWrite))
			t2 := must(db.Begin(ctx, ReadWrite))
			require.Equal(t, t1.Snapshot(), t2.Snapshot())

			require.NoError(t, t1.Write(ctx, rec("t", "B"), "one"))
			require.NoError(t, t2.Write(ctx, rec("t", "B"), "two"))

			_, err := t1.Commit(ctx)
			require.NoError(t, err)

			_, err = t2.Commit(ctx)
			var ce *ConflictError
			require.True(t, errors.As(err, &ce), "got %v", err)
			require.Equal(t, ReadWriteConflict, ce.Kind)
			require.Equal(t, TxCancelled, t2.State())

			view(t, db, func(tx *Tx) {
				v, _ := must2v(tx.Read(ctx, rec("t", "B")))
				require.Equal(t, "one", v)
			})
		})
	})
}

func TestTx_ReadSetConflicts(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("acct", "a"), int64(10)))
		ensure(tx.Write(ctx, rec("acct", "b"), int64(10)))
	})

	t.Run("stale point read", func(t *testing.T) {
		t1 := must(db.Begin(ctx, ReadWrite))
		_ = must2x(t1.Read(ctx, rec("acct", "a")))
		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("acct", "a"), int64(5)))
		})
		ensure(t1.Write(ctx, rec("acct", "c"), int64(1)))
		_, err := t1.Commit(ctx)
		require.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("missing key read", func(t *testing.T) {
		t1 := must(db.Begin(ctx, ReadWrite))
		require.False(t, must(t1.Exists(ctx, rec("acct", "z"))))
		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("acct", "z"), int64(1)))
		})
		ensure(t1.Write(ctx, rec("acct", "y"), int64(1)))
		_, err := t1.Commit(ctx)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("phantom in scanned range", func(t *testing.T) {
		t1 := must(db.Begin(ctx, ReadWrite))
		n := t1.Range(ctx, RecordsPrefix{"test", "test", "acct"}, ScanOptions{}).Count()
		require.Positive(t, n)
		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("acct", "new"), int64(1)))
		})
		ensure(t1.Write(ctx, rec("other", 1), "x"))
		_, err := t1.Commit(ctx)
		require.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("disjoint keys", func(t *testing.T) {
		t1 := must(db.Begin(ctx, ReadWrite))
		_ = must2x(t1.Read(ctx, rec("acct", "a")))
		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("acct", "b"), int64(20)))
		})
		ensure(t1.Write(ctx, rec("acct", "a"), int64(0)))
		_, err := t1.Commit(ctx)
		require.NoError(t, err)
	})

	t.Run("read-only never conflicts", func(t *testing.T) {
		t1 := must(db.Begin(ctx, ReadOnly))
		_ = must2x(t1.Read(ctx, rec("acct", "a")))
		update(t, db, func(tx *Tx) {
			ensure(tx.Write(ctx, rec("acct", "a"), int64(7)))
		})
		vs, err := t1.Commit(ctx)
		require.NoError(t, err)
		require.Equal(t, t1.Snapshot(), vs)
	})
}

func TestTx_LimitNarrowsReadRange(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		for i := range 5 {
			ensure(tx.Write(ctx, rec("q", i), "job"))
		}
	})

	t1 := must(db.Begin(ctx, ReadWrite))
	c := t1.Range(ctx, RecordsPrefix{"test", "test", "q"}, ScanOptions{Limit: 1})
	require.True(t, c.Next())
	require.Equal(t, Key(rec("q", int64(0))), c.Key())
	require.False(t, c.Next())
	require.NoError(t, c.Err())

	// beyond what the limited scan returned
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("q", 3), "taken"))
	})
	ensure(t1.Remove(ctx, rec("q", 0)))
	_, err := t1.Commit(ctx)
	require.NoError(t, err)

	// closing early also narrows
	t2 := must(db.Begin(ctx, ReadWrite))
	c = t2.Range(ctx, RecordsPrefix{"test", "test", "q"}, ScanOptions{})
	require.True(t, c.Next())
	c.Close()
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("q", 4), "taken"))
	})
	ensure(t2.Write(ctx, rec("q", 9), "added"))
	_, err = t2.Commit(ctx)
	require.NoError(t, err)
}

func TestTx_CursorMerge(t *testing.T) {
	eachBackend(t, func(t *testing.T, f backendFactory) {
		ctx := context.Background()
		db := setupWith(t, f.open(t, t.TempDir()))
		update(t, db, func(tx *Tx) {
			for i := 1; i <= 4; i++ {
				ensure(tx.Write(ctx, rec("m", i), "old"))
			}
		})

		tx := must(db.Begin(ctx, ReadWrite))
		defer tx.Cancel()
		ensure(tx.Write(ctx, rec("m", 0), "new"))
		ensure(tx.Write(ctx, rec("m", 2), "updated"))
		ensure(tx.Remove(ctx, rec("m", 3)))
		ensure(tx.Remove(ctx, rec("m", 7))) // tombstone without a snapshot value
		ensure(tx.Write(ctx, rec("m", 5), "new"))

		for _, pageSize := range []int{1, 2, 100} {
			var got []string
			for k, v := range tx.Range(ctx, RecordsPrefix{"test", "test", "m"}, ScanOptions{PageSize: pageSize}).All() {
				got = append(got, k.String()+"="+v.(string))
			}
			require.Equal(t, []string{
				"/test/test/m:0=new",
				"/test/test/m:1=old",
				"/test/test/m:2=updated",
				"/test/test/m:4=old",
				"/test/test/m:5=new",
			}, got, "page size %d", pageSize)
		}

		c := tx.Range(ctx, RecordsPrefix{"test", "test", "m"}, ScanOptions{Limit: 3, PageSize: 1})
		require.Equal(t, 3, c.Count())
		require.NoError(t, c.Err())
	})
}

func TestTx_RangeOverRawKeys(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.WriteRaw(ctx, []byte("raw/a"), []byte("1")))
		ensure(tx.WriteRaw(ctx, []byte("raw/b"), nil))
	})
	view(t, db, func(tx *Tx) {
		var keys []string
		c := tx.Range(ctx, RawPrefix("raw/"), ScanOptions{})
		for k := range c.RawKeys() {
			keys = append(keys, string(k))
		}
		require.NoError(t, c.Err())
		require.Equal(t, []string{"raw/a", "raw/b"}, keys)

		v, found := must2v(tx.ReadRaw(ctx, []byte("raw/b")))
		require.True(t, found)
		require.Empty(t, v)
	})
}

func TestTx_RemoveRange(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		for i := range 3 {
			ensure(tx.Write(ctx, rec("gone", i), "x"))
		}
		ensure(tx.Write(ctx, rec("kept", 1), "x"))
	})

	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("gone", 10), "pending"))
		n := must(tx.RemoveRange(ctx, RecordsPrefix{"test", "test", "gone"}))
		require.Equal(t, 4, n)
		isempty(t, rangeKeys(t, tx, RecordsPrefix{"test", "test", "gone"}))
	})

	view(t, db, func(tx *Tx) {
		require.Equal(t, []string{"/test/test/kept:1"}, rangeKeys(t, tx, DatabasePrefix{"test", "test"}))
	})

	// everything goes, except the versionstamp reservation
	update(t, db, func(tx *Tx) {
		must(tx.RemoveRange(ctx, AllPrefix{}))
	})
	view(t, db, func(tx *Tx) {
		require.Equal(t, []string{"/!vs"}, rangeKeys(t, tx, AllPrefix{}))
	})
}

func TestTx_RemoveRangeConflicts(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("r", 0), "x"))
	})

	// an insert under a range removed by a concurrent commit
	t1 := must(db.Begin(ctx, ReadWrite))
	update(t, db, func(tx *Tx) {
		must(tx.RemoveRange(ctx, RecordsPrefix{"test", "test", "r"}))
	})
	ensure(t1.Write(ctx, rec("r", 1), "x"))
	_, err := t1.Commit(ctx)
	require.True(t, IsConflict(err), "got %v", err)

	// a range removal racing an insert
	t2 := must(db.Begin(ctx, ReadWrite))
	must(t2.RemoveRange(ctx, RecordsPrefix{"test", "test", "r"}))
	ensure(t2.Write(ctx, rec("log", 1), "cleared"))
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("r", 2), "x"))
	})
	_, err = t2.Commit(ctx)
	require.True(t, IsConflict(err), "got %v", err)
}

func TestTx_Finalized(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	tx := must(db.Begin(ctx, ReadWrite))
	ensure(tx.Write(ctx, rec("t", 1), "x"))
	_, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, TxCommitted, tx.State())

	_, _, err = tx.Read(ctx, rec("t", 1))
	require.ErrorIs(t, err, ErrFinalized)
	require.ErrorIs(t, tx.Write(ctx, rec("t", 1), "y"), ErrFinalized)
	require.ErrorIs(t, tx.Remove(ctx, rec("t", 1)), ErrFinalized)
	_, err = tx.RemoveRange(ctx, AllPrefix{})
	require.ErrorIs(t, err, ErrFinalized)
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrFinalized)

	c := tx.Range(ctx, AllPrefix{}, ScanOptions{})
	require.False(t, c.Next())
	require.ErrorIs(t, c.Err(), ErrFinalized)

	tx.Cancel()
	require.Equal(t, TxCommitted, tx.State())

	tx = must(db.Begin(ctx, ReadOnly))
	tx.Cancel()
	tx.Cancel()
	require.Equal(t, TxCancelled, tx.State())
	_, err = tx.Exists(ctx, rec("t", 1))
	require.ErrorIs(t, err, ErrFinalized)
}

func TestTx_ReadOnly(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	tx := must(db.Begin(ctx, ReadOnly))
	defer tx.Cancel()
	require.False(t, tx.IsWritable())
	require.ErrorIs(t, tx.Write(ctx, rec("t", 1), "x"), ErrReadOnly)
	require.ErrorIs(t, tx.WriteRaw(ctx, []byte("k"), nil), ErrReadOnly)
	_, err := tx.RemoveRange(ctx, AllPrefix{})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestTx_CursorSeesFinishedTx(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("t", 1), "x"))
		ensure(tx.Write(ctx, rec("t", 2), "x"))
	})
	tx := must(db.Begin(ctx, ReadOnly))
	c := tx.Range(ctx, RecordsPrefix{"test", "test", "t"}, ScanOptions{})
	require.True(t, c.Next())
	tx.Cancel()
	require.False(t, c.Next())
	require.ErrorIs(t, c.Err(), ErrFinalized)
}

type account struct {
	Owner   string `msgpack:"owner"`
	Balance int64  `msgpack:"balance"`
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("acct", 1), &account{Owner: "ann", Balance: 42}))
	})
	view(t, db, func(tx *Tx) {
		a := must(Get[account](ctx, tx, rec("acct", 1)))
		deepEqual(t, a, &account{Owner: "ann", Balance: 42})
		isnil(t, must(Get[account](ctx, tx, rec("acct", 2))))

		m, _ := must2v(tx.Read(ctx, rec("acct", 1)))
		require.Equal(t, map[string]any{"owner": "ann", "balance": int64(42)}, m)
	})
}

func TestUpdate_errors(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	boom := errors.New("boom")
	_, err := db.Update(ctx, func(tx *Tx) error {
		ensure(tx.Write(ctx, rec("t", 1), "x"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Update(ctx, func(tx *Tx) error {
		ensure(tx.Write(ctx, rec("t", 1), "x"))
		panic("kaboom")
	})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "panic: kaboom"), "got %v", err)

	err = db.View(ctx, func(tx *Tx) error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	require.ErrorContains(t, err, "panic:")

	view(t, db, func(tx *Tx) {
		require.False(t, must(tx.Exists(ctx, rec("t", 1))))
	})
	require.Zero(t, db.openTxnCount())
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("ctr", 1), int64(0)))
	})

	increment := func(tx *Tx) error {
		v, _, err := tx.Read(ctx, rec("ctr", 1))
		if err != nil {
			return err
		}
		return tx.Write(ctx, rec("ctr", 1), v.(int64)+1)
	}

	var attempts int
	vs, err := db.Retry(ctx, 5, func(tx *Tx) error {
		attempts++
		if err := increment(tx); err != nil {
			return err
		}
		if attempts == 1 {
			// a competing increment lands between our read and commit
			_, err := db.Update(ctx, increment)
			return err
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, db.Versionstamp(), vs)

	view(t, db, func(tx *Tx) {
		v, _ := must2v(tx.Read(ctx, rec("ctr", 1)))
		require.Equal(t, int64(2), v)
	})

	attempts = 0
	_, err = db.Retry(ctx, 1, func(tx *Tx) error {
		attempts++
		if err := increment(tx); err != nil {
			return err
		}
		_, err := db.Update(ctx, increment)
		return err
	})
	require.True(t, IsConflict(err), "got %v", err)
	require.Equal(t, 1, attempts)

	boom := errors.New("boom")
	attempts = 0
	_, err = db.Retry(ctx, 5, func(tx *Tx) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestTx_OnCommit(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	var got []Versionstamp
	vs, err := db.Update(ctx, func(tx *Tx) error {
		tx.OnCommit(func(vs Versionstamp) { got = append(got, vs) })
		return tx.Write(ctx, rec("t", 1), "x")
	})
	require.NoError(t, err)
	require.Equal(t, []Versionstamp{vs}, got)

	tx := must(db.Begin(ctx, ReadWrite))
	tx.OnCommit(func(vs Versionstamp) { got = append(got, vs) })
	ensure(tx.Write(ctx, rec("t", 2), "x"))
	tx.Cancel()
	require.Len(t, got, 1)
}

func TestTx_EmptyCommit(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	before := db.Versionstamp()

	vs, err := db.Update(ctx, func(tx *Tx) error { return nil })
	require.NoError(t, err)
	require.Equal(t, before, vs)
	require.Equal(t, before, db.Versionstamp())
}

func TestTxState_String(t *testing.T) {
	deepEqual(t, TxActive.String(), "active")
	deepEqual(t, TxCommitted.String(), "committed")
	deepEqual(t, TxCancelled.String(), "cancelled")
	deepEqual(t, TxState(9).String(), "txstate(9)")
	deepEqual(t, ReadWrite.String(), "rw")
	deepEqual(t, ReadOnly.String(), "ro")
}

func TestDatastore_closed(t *testing.T) {
	ctx := context.Background()
	db := must(NewDatastore(ctx, NewMemoryBackend(), Options{}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	_, err := db.Begin(ctx, ReadOnly)
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Update(ctx, func(tx *Tx) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func must2v[T any](v T, found bool, err error) (T, bool) {
	ensure(err)
	return v, found
}

func must2x[T any](v T, found bool, err error) T {
	ensure(err)
	return v
}
