package kvs

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	tobie = Thing{"person", "tobie"}
	jaime = Thing{"person", "jaime"}
	post1 = Thing{"post", int64(1)}
)

func TestRelate(t *testing.T) {
	eachBackend(t, func(t *testing.T, f backendFactory) {
		ctx := context.Background()
		db := setupWith(t, f.open(t, t.TempDir()))

		update(t, db, func(tx *Tx) {
			ensure(tx.Relate(ctx, "test", "test", tobie, "wrote", post1, nil))
			ensure(tx.Relate(ctx, "test", "test", jaime, "likes", post1, map[string]any{"stars": int64(5)}))
			ensure(tx.Relate(ctx, "test", "test", tobie, "knows", jaime, nil))
		})

		view(t, db, func(tx *Tx) {
			in := must(tx.Edges(ctx, "test", "test", post1, DirIn, ""))
			require.Len(t, in, 2)
			require.Equal(t, Edge{From: jaime, Kind: "likes", To: post1, Dir: DirIn, Value: map[string]any{"stars": int64(5)}}, in[0])
			require.Equal(t, Edge{From: tobie, Kind: "wrote", To: post1, Dir: DirIn}, in[1])

			out := must(tx.Edges(ctx, "test", "test", tobie, DirOut, ""))
			require.Equal(t, []string{"person:\"tobie\"->knows->person:\"jaime\"", "person:\"tobie\"->wrote->post:1"}, edgeStrings(out))

			likes := must(tx.Edges(ctx, "test", "test", jaime, DirBoth, "knows"))
			require.Equal(t, []string{"person:\"tobie\"->knows->person:\"jaime\""}, edgeStrings(likes))
			require.Equal(t, DirIn, likes[0].Dir)

			all := must(tx.Edges(ctx, "test", "test", jaime, DirBoth, ""))
			require.Len(t, all, 2)
			require.Equal(t, DirIn, all[0].Dir)
			require.Equal(t, DirOut, all[1].Dir)

			require.Equal(t, []string{
				`/test/test/person:"jaime"<-knows<-person:"tobie"`,
				`/test/test/person:"jaime"->likes->post:1`,
				`/test/test/person:"tobie"->knows->person:"jaime"`,
				`/test/test/person:"tobie"->wrote->post:1`,
			}, rangeKeys(t, tx, TableEdgesPrefix{"test", "test", "person"}))
		})
	})
}

func TestUnrelate(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.Relate(ctx, "test", "test", tobie, "wrote", post1, nil))
		ensure(tx.Relate(ctx, "test", "test", jaime, "wrote", post1, nil))
	})

	update(t, db, func(tx *Tx) {
		ensure(tx.Unrelate(ctx, "test", "test", tobie, "wrote", post1))
		isempty(t, must(tx.Edges(ctx, "test", "test", tobie, DirOut, "wrote")))
	})

	view(t, db, func(tx *Tx) {
		isempty(t, must(tx.Edges(ctx, "test", "test", tobie, DirBoth, "")))
		in := must(tx.Edges(ctx, "test", "test", post1, DirIn, "wrote"))
		require.Equal(t, []string{"person:\"jaime\"->wrote->post:1"}, edgeStrings(in))
	})
}

func TestRemoveEdges(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	update(t, db, func(tx *Tx) {
		ensure(tx.Relate(ctx, "test", "test", tobie, "wrote", post1, nil))
		ensure(tx.Relate(ctx, "test", "test", jaime, "likes", tobie, nil))
		ensure(tx.Relate(ctx, "test", "test", jaime, "likes", post1, nil))
	})

	update(t, db, func(tx *Tx) {
		require.Equal(t, 2, must(tx.RemoveEdges(ctx, "test", "test", tobie)))
	})

	view(t, db, func(tx *Tx) {
		isempty(t, rangeKeys(t, tx, EdgesPrefix{NS: "test", DB: "test", TB: "person", ID: "tobie"}))
		require.Equal(t, []string{
			`/test/test/person:"jaime"->likes->post:1`,
			`/test/test/post:1<-likes<-person:"jaime"`,
		}, append(
			rangeKeys(t, tx, TableEdgesPrefix{"test", "test", "person"}),
			rangeKeys(t, tx, TableEdgesPrefix{"test", "test", "post"})...,
		))
	})
}

func TestRemoveTable_removesMirroredEdges(t *testing.T) {
	eachBackend(t, func(t *testing.T, f backendFactory) {
		ctx := context.Background()
		db := setupWith(t, f.open(t, t.TempDir()))

		update(t, db, func(tx *Tx) {
			ensure(tx.DefineTable(ctx, "test", "test", TableDef{Name: "person"}))
			ensure(tx.Relate(ctx, "test", "test", tobie, "wrote", post1, nil))
			ensure(tx.Relate(ctx, "test", "test", jaime, "likes", post1, nil))
			ensure(tx.Relate(ctx, "test", "test", tobie, "knows", jaime, nil))
			ensure(tx.Relate(ctx, "test", "test", post1, "links", Thing{"post", int64(2)}, nil))
		})
		update(t, db, func(tx *Tx) {
			ensure(tx.RemoveTable(ctx, "test", "test", "person"))
		})

		view(t, db, func(tx *Tx) {
			isempty(t, must(tx.Edges(ctx, "test", "test", tobie, DirBoth, "")))
			require.Equal(t, []string{"post:1->links->post:2"}, edgeStrings(must(tx.Edges(ctx, "test", "test", post1, DirBoth, ""))))
			require.Equal(t, []string{
				"/test/test/post:1->links->post:2",
				"/test/test/post:2<-links<-post:1",
			}, rangeKeys(t, tx, TableEdgesPrefix{"test", "test", "post"}))
		})
	})
}

func TestRelate_rejects(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	tx := must(db.Begin(ctx, ReadWrite))
	defer tx.Cancel()
	require.Error(t, tx.Relate(ctx, "test", "test", tobie, "", post1, nil))
	require.ErrorIs(t, tx.Relate(ctx, "test", "test", tobie, "x", Thing{"post", math.NaN()}, nil), ErrUnorderedFloat)

	ro := must(db.Begin(ctx, ReadOnly))
	defer ro.Cancel()
	require.ErrorIs(t, ro.Relate(ctx, "test", "test", tobie, "x", post1, nil), ErrReadOnly)
	require.ErrorIs(t, ro.Unrelate(ctx, "test", "test", tobie, "x", post1), ErrReadOnly)
}

// faultyBackend fails the n-th Set across all of its handles.
type faultyBackend struct {
	Backend
	failAt int64
	sets   atomic.Int64
}

type faultyTx struct {
	BackendTx
	b *faultyBackend
}

var errInjected = errors.New("injected fault")

func (b *faultyBackend) Begin(ctx context.Context, mode Mode) (BackendTx, error) {
	btx, err := b.Backend.Begin(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &faultyTx{btx, b}, nil
}

func (tx *faultyTx) Set(ctx context.Context, key, value []byte) error {
	if tx.b.sets.Add(1) == tx.b.failAt {
		return &BackendError{Backend: "faulty", Op: "set", Kind: ErrIO, Err: errInjected}
	}
	return tx.BackendTx.Set(ctx, key, value)
}

func TestRelate_allOrNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, f backendFactory) {
		ctx := context.Background()
		fb := &faultyBackend{Backend: f.open(t, t.TempDir())}
		db := setupWith(t, fb)

		// fail between the two halves of the edge
		fb.sets.Store(0)
		fb.failAt = 2
		_, err := db.Update(ctx, func(tx *Tx) error {
			return tx.Relate(ctx, "test", "test", tobie, "wrote", post1, nil)
		})
		require.ErrorIs(t, err, errInjected)
		require.ErrorIs(t, err, ErrIO)

		view(t, db, func(tx *Tx) {
			isempty(t, must(tx.Edges(ctx, "test", "test", tobie, DirBoth, "")))
			isempty(t, must(tx.Edges(ctx, "test", "test", post1, DirBoth, "")))
		})

		// a failed commit leaves nothing behind that later commits could
		// conflict with
		fb.failAt = -1
		update(t, db, func(tx *Tx) {
			ensure(tx.Relate(ctx, "test", "test", tobie, "wrote", post1, nil))
		})

		// and the same for removal
		fb.sets.Store(0)
		fb.failAt = 1
		_, err = db.Update(ctx, func(tx *Tx) error {
			ensure(tx.Unrelate(ctx, "test", "test", tobie, "wrote", post1))
			return tx.Write(ctx, rec("zzz", 1), "forces a set after both deletes")
		})
		require.ErrorIs(t, err, errInjected)

		view(t, db, func(tx *Tx) {
			require.Len(t, must(tx.Edges(ctx, "test", "test", tobie, DirOut, "wrote")), 1)
			require.Len(t, must(tx.Edges(ctx, "test", "test", post1, DirIn, "wrote")), 1)
		})

		s := db.Stats()
		require.EqualValues(t, 2, s.Failed)
	})
}

func edgeStrings(edges []Edge) []string {
	var out []string
	for _, e := range edges {
		out = append(out, e.String())
	}
	return out
}
