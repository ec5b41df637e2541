package kvs

import (
	"context"
	"encoding/hex"
	"flag"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

var verboseFlag = flag.Bool("kvs.verbose", false, "log every datastore operation")

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

type backendFactory struct {
	name string
	open func(t testing.TB, dir string) Backend
}

var backendFactories = []backendFactory{
	{"memory", func(t testing.TB, dir string) Backend {
		return NewMemoryBackend()
	}},
	{"bolt", func(t testing.TB, dir string) Backend {
		return must(OpenBoltBackend(filepath.Join(dir, "test.db"), BoltOptions{NoSync: true, InitialMmapSize: 1 << 24}))
	}},
	{"badger", func(t testing.TB, dir string) Backend {
		return must(OpenBadgerBackend(filepath.Join(dir, "badger"), BadgerOptions{}, slog.Default()))
	}},
}

// eachBackend runs fn once per backend. With -short, only the memory
// backend is exercised.
func eachBackend(t *testing.T, fn func(t *testing.T, f backendFactory)) {
	for _, f := range backendFactories {
		t.Run(f.name, func(t *testing.T) {
			if testing.Short() && f.name != "memory" {
				t.Skip("skipping persistent backend in short mode")
			}
			fn(t, f)
		})
	}
}

func setup(t testing.TB, opts ...func(*Options)) *Datastore {
	t.Helper()
	return setupWith(t, NewMemoryBackend(), opts...)
}

func setupWith(t testing.TB, backend Backend, opts ...func(*Options)) *Datastore {
	t.Helper()
	opt := Options{Verbose: *verboseFlag}
	for _, f := range opts {
		f(&opt)
	}
	db := must(NewDatastore(context.Background(), backend, opt))
	t.Cleanup(func() {
		if n := db.openTxnCount(); n > 0 {
			t.Errorf("** %d transactions left open:\n%s", n, db.DescribeOpenTxns())
		}
		ensure(db.Close())
	})
	return db
}

func withSharedCache(size int64) func(*Options) {
	return func(o *Options) { o.CacheSize = size }
}

func update(t testing.TB, db *Datastore, fn func(tx *Tx)) Versionstamp {
	t.Helper()
	vs, err := db.Update(context.Background(), func(tx *Tx) error {
		fn(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("** Update failed: %v", err)
	}
	return vs
}

func view(t testing.TB, db *Datastore, fn func(tx *Tx)) {
	t.Helper()
	err := db.View(context.Background(), func(tx *Tx) error {
		fn(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("** View failed: %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func rec(tb string, id any) RecordKey {
	return RecordKey{NS: "test", DB: "test", TB: tb, ID: id}
}

// rangeKeys returns the decoded keys under p, as strings.
func rangeKeys(t testing.TB, tx *Tx, p Prefix) []string {
	t.Helper()
	var out []string
	c := tx.Range(context.Background(), p, ScanOptions{})
	for c.Next() {
		out = append(out, describeKey(c.RawKey()))
	}
	if err := c.Err(); err != nil {
		t.Fatalf("** scan failed: %v", err)
	}
	return out
}
