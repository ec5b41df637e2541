package kvs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedUsers(t *testing.T, db *Datastore) {
	ctx := context.Background()
	update(t, db, func(tx *Tx) {
		ensure(tx.DefineIndex(ctx, "app", "main", "user", IndexDef{Name: "name", Fields: []string{"name"}, Unique: true}))
		ensure(tx.Write(ctx, RecordKey{"app", "main", "user", int64(1)}, map[string]any{"name": "ann"}))
		ensure(tx.PutUniqueIndexEntry(ctx, IndexRef{NS: "app", DB: "main", TB: "user", IX: "name", Unique: true}, []any{"ann"}, int64(1)))
		ensure(tx.Relate(ctx, "app", "main", Thing{"user", int64(1)}, "wrote", Thing{"post", int64(1)}, nil))
	})
}

func TestDump(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	seedUsers(t, db)

	view(t, db, func(tx *Tx) {
		out := must(tx.Dump(ctx, "app", "main", DumpAll))
		lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
		require.Equal(t, dumpSep1, lines[0])
		require.Equal(t, "app/main/user (1 rows)", lines[1])
		require.True(t, strings.HasPrefix(lines[2], "app/main/user.stats: index_rows = 1, edges = 1, "), lines[2])
		require.Equal(t, []string{
			dumpSep2,
			`app/main/user.1: /app/main/user:1 = {"name":"ann"}`,
			dumpSep2,
			"app/main/user.i.name (name) UNIQUE",
			`app/main/user.i.name.1: /app/main/user+name["ann"]:1`,
			dumpSep2,
			"app/main/user.e.1: /app/main/user:1->wrote->post:1",
		}, lines[3:])

		out = must(tx.Dump(ctx, "app", "main", DumpTableHeaders))
		require.Equal(t, dumpSep1+"\napp/main/user (1 rows)\n", out)

		out = must(tx.DumpRange(ctx, TablesPrefix{"app", "main"}))
		require.Equal(t, "/app/main!tb/user = "+loggableValue(must2x(tx.Read(ctx, TableKey{"app", "main", "user"})))+"\n", out)
	})
}

func TestTableStats(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	seedUsers(t, db)

	view(t, db, func(tx *Tx) {
		s := must(tx.TableStats(ctx, "app", "main", "user"))
		require.Equal(t, 1, s.Rows)
		require.Equal(t, 1, s.IndexRows)
		require.Equal(t, 1, s.Edges)
		require.Positive(t, s.DataSize)
		require.Equal(t, s.DataSize+s.IndexSize+s.EdgeSize, s.TotalSize())

		// the other half of the edge lives under post
		s = must(tx.TableStats(ctx, "app", "main", "post"))
		require.Equal(t, TableStats{Edges: 1, EdgeSize: s.EdgeSize}, s)
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := setup(t, withSharedCache(1<<16))
	update(t, db, func(tx *Tx) {
		ensure(tx.Write(ctx, rec("t", int64(1)), "x"))
	})
	view(t, db, func(tx *Tx) {
		must2v(tx.Read(ctx, rec("t", int64(1))))
		must2v(tx.Read(ctx, rec("t", int64(1))))
	})

	s := db.Stats()
	require.EqualValues(t, 2, s.Begun)
	require.EqualValues(t, 1, s.Committed)
	require.EqualValues(t, 2, s.Reads)
	require.EqualValues(t, 1, s.CacheHits)
	require.Equal(t, Versionstamp(1), s.Versionstamp)
	require.Zero(t, s.OpenTxns)
	isnonnil(t, s.Cache)

	out := db.DescribeStats()
	require.Contains(t, out, rpad("versionstamp", 16, '.')+" 1\n")
	require.Contains(t, out, rpad("committed", 16, '.')+" 1\n")
	require.Contains(t, out, rpad("cache_charge", 16, '.')+" ")
	require.Contains(t, out, "/ 65536\n")
}

func TestLoggableValue(t *testing.T) {
	require.Equal(t, "<none>", loggableValue(nil))
	require.Equal(t, `{"a":[1,"x"]}`, loggableValue(map[string]any{"a": []any{int64(1), "x"}}))
	require.Equal(t, `"hi"`, loggableValue("hi"))
	// not representable in JSON
	require.Equal(t, "(1+2i)", loggableValue(complex(1, 2)))
}
