package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	var o Options = Writable | Prefault
	if !o.Has(Writable) || o.Has(SequentialAccess) {
		t.Fatalf("Options.Has returned unexpected results for %v", o)
	}
}

func TestMmapAndMunmap(t *testing.T) {
	f := must(os.CreateTemp("", "mmap_test_*"))
	defer os.Remove(f.Name())
	defer f.Close()

	const size = 4096
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	b, err := Mmap(f, 0, size, Writable)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if len(b) != size {
		t.Fatalf("len(mmap) = %d, wanted %d", len(b), size)
	}
	b[0] = 0x42
	if err := Fdatasync(f, b); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
	if err := Munmap(b); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
}

func TestMmap_PanicsOnNonZeroOffset(t *testing.T) {
	f := must(os.CreateTemp("", "mmap_test_*"))
	defer os.Remove(f.Name())
	defer f.Close()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_, _ = Mmap(f, 1, 1, 0)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}


func TestOpen(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(fn, []byte("hello, mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Open(fn, SequentialAccess)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(m.Data) != "hello, mapping" {
		t.Errorf("Data = %q", m.Data)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpen_empty(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(fn, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m := must(Open(fn, 0))
	defer m.Close()
	if len(m.Data) != 0 {
		t.Errorf("len(Data) = %d, wanted 0", len(m.Data))
	}
}

func TestOpen_missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), 0)
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, wanted not-exist", err)
	}
}
