package kvs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rng(lo, hi string) keyRange {
	r := keyRange{lo: []byte(lo)}
	if hi != "" {
		r.hi = []byte(hi)
	}
	return r
}

func TestKeyRange_overlaps(t *testing.T) {
	tests := []struct {
		a, b keyRange
		want bool
	}{
		{rng("a", "c"), rng("b", "d"), true},
		{rng("a", "c"), rng("c", "d"), false},
		{rng("a", "c"), rng("", "a"), false},
		{rng("a", "c"), rng("", "a\x00"), true},
		{rng("a", ""), rng("zzz", ""), true},
		{rng("a", ""), rng("", "a"), false},
		{rng("b", "b"), rng("a", "z"), true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.a.overlaps(tt.b), "%q overlaps %q", tt.a, tt.b)
		require.Equal(t, tt.want, tt.b.overlaps(tt.a), "%q overlaps %q", tt.b, tt.a)
	}

	require.True(t, rng("b", "b").empty())
	require.True(t, rng("c", "b").empty())
	require.False(t, rng("b", "").empty())
	require.False(t, rng("a", "b").empty())

	require.True(t, rng("a", "b").contains([]byte("a")))
	require.True(t, rng("a", "b").contains([]byte("a\xff")))
	require.False(t, rng("a", "b").contains([]byte("b")))
	require.True(t, rng("a", "").contains([]byte("\xff\xff")))
}

func TestLogEntry_touches(t *testing.T) {
	e := &logEntry{
		vs:     5,
		keys:   [][]byte{[]byte("b"), []byte("d"), []byte("f")},
		ranges: []keyRange{rng("m", "p")},
	}
	require.True(t, e.touchesKey([]byte("d")))
	require.False(t, e.touchesKey([]byte("e")))
	require.True(t, e.touchesKey([]byte("n")))
	require.False(t, e.touchesKey([]byte("p")))

	require.True(t, e.touchesRange(rng("c", "e")))
	require.False(t, e.touchesRange(rng("g", "m")))
	require.True(t, e.touchesRange(rng("o", "")))
	require.False(t, e.touchesRange(rng("d", "d")), "empty ranges touch nothing")
}

func TestCommitLog(t *testing.T) {
	var l commitLog
	for vs := Versionstamp(1); vs <= 5; vs++ {
		l.append(&logEntry{vs: vs, keys: [][]byte{{byte('a' + vs)}}})
	}

	tx := &Tx{snapshot: 2, writes: newWriteSet(), readKeys: map[string]struct{}{"c": {}}}
	require.Nil(t, l.validate(tx), "b and c were committed at or before the snapshot")

	tx.readKeys["e"] = struct{}{}
	ce := l.validate(tx)
	require.NotNil(t, ce)
	require.Equal(t, Versionstamp(4), ce.Versionstamp)
	require.Equal(t, "e", string(ce.Key))

	l.entries[3].failed.Store(true)
	require.Nil(t, l.validate(tx), "failed commits conflict with nothing")

	tx.writes.put(&pendingWrite{key: []byte("f")})
	ce = l.validate(tx)
	require.NotNil(t, ce)
	require.Equal(t, Versionstamp(5), ce.Versionstamp)

	require.Equal(t, 3, l.prune(3))
	require.Equal(t, 2, l.len())
	require.Zero(t, l.prune(3))
	require.Equal(t, 2, l.prune(100))
	require.Zero(t, l.len())
}

func TestWatermark(t *testing.T) {
	var published []Versionstamp
	w := newWatermark(10, func(c *Change) {
		published = append(published, c.Versionstamp)
	})
	require.Equal(t, Versionstamp(10), w.load())

	w.done(12, &Change{Versionstamp: 12})
	w.done(13, nil)
	w.done(14, &Change{Versionstamp: 14})
	require.Equal(t, Versionstamp(10), w.load(), "11 is still in flight")
	isempty(t, published)

	w.done(11, &Change{Versionstamp: 11})
	require.Equal(t, Versionstamp(14), w.load())
	require.Equal(t, []Versionstamp{11, 12, 14}, published)
}

func TestWatermark_wait(t *testing.T) {
	w := newWatermark(0, nil)

	errc := make(chan error, 1)
	go func() {
		errc <- w.wait(context.Background(), 2)
	}()
	w.done(2, nil)
	w.done(1, nil)
	require.NoError(t, <-errc)

	require.NoError(t, w.wait(context.Background(), 1), "already visible")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.wait(ctx, 3), context.DeadlineExceeded)
}

// gatedBackend holds the next backend commit until release is closed.
type gatedBackend struct {
	Backend
	hold    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

type gatedTx struct {
	BackendTx
	b *gatedBackend
}

func (b *gatedBackend) Begin(ctx context.Context, mode Mode) (BackendTx, error) {
	btx, err := b.Backend.Begin(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &gatedTx{btx, b}, nil
}

func (tx *gatedTx) Commit(ctx context.Context) (CommitToken, error) {
	if tx.b.hold.CompareAndSwap(true, false) {
		close(tx.b.entered)
		<-tx.b.release
	}
	return tx.BackendTx.Commit(ctx)
}

func TestCommit_appliesInVersionstampOrder(t *testing.T) {
	ctx := context.Background()
	gb := &gatedBackend{
		Backend: NewMemoryBackend(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	db := setupWith(t, gb)

	a := must(db.Begin(ctx, ReadWrite))
	ensure(a.Write(ctx, rec("t", int64(1)), "a"))
	b := must(db.Begin(ctx, ReadWrite))
	ensure(b.Write(ctx, rec("t", int64(2)), "b"))

	type result struct {
		vs  Versionstamp
		err error
	}
	ac, bc := make(chan result, 1), make(chan result, 1)
	gb.hold.Store(true)
	go func() {
		vs, err := a.Commit(ctx)
		ac <- result{vs, err}
	}()
	<-gb.entered

	go func() {
		vs, err := b.Commit(ctx)
		bc <- result{vs, err}
	}()
	readers := make(chan *Tx, 1)
	go func() {
		readers <- must(db.Begin(ctx, ReadOnly))
	}()

	select {
	case r := <-bc:
		t.Fatalf("** commit %d finished before commit 1 was applied", r.vs)
	case r := <-readers:
		r.Cancel()
		t.Fatalf("** reader began at %d while commit 1 was being applied", r.Snapshot())
	case <-time.After(50 * time.Millisecond):
	}
	close(gb.release)

	ra, rb := <-ac, <-bc
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	require.Equal(t, Versionstamp(1), ra.vs)
	require.Equal(t, Versionstamp(2), rb.vs)

	reader := <-readers
	defer reader.Cancel()
	snap := reader.Snapshot()
	require.GreaterOrEqual(t, snap, Versionstamp(1))
	seesA := must(reader.Exists(ctx, rec("t", int64(1))))
	seesB := must(reader.Exists(ctx, rec("t", int64(2))))
	require.Equal(t, snap >= 1, seesA)
	require.Equal(t, snap >= 2, seesB)
}
