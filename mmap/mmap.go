// Package mmap maps files into memory.
package mmap

import (
	"fmt"
	"os"
)

type Options uint

const (
	// Writable opens the file for writing (otherwise, it's opened read-only).
	Writable Options = 1 << 0

	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 2

	// Prefault is a hint requesting the entire file to be loaded in memory
	// for fastest access. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Mmap memory maps size bytes of the given file.
func Mmap(f *os.File, offset, size int, opt Options) ([]byte, error) {
	if offset != 0 {
		panic("non-zero offset not yet supported")
	}
	return mmap(f, size, opt)
}

// Munmap unmaps the given slice from memory. The slice must have been returned
// by Mmap.
func Munmap(b []byte) error {
	return munmap(b)
}

// Mapping is a whole file mapped read-only.
type Mapping struct {
	f    *os.File
	Data []byte
}

// Open maps the entire file at path for reading. Empty files yield an
// empty Data without a mapping, since zero-length mappings are invalid.
func Open(path string, opt Options) (*Mapping, error) {
	if opt.Has(Writable) {
		panic("mmap.Open maps read-only")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	if size > MaxSize {
		f.Close()
		return nil, fmt.Errorf("mmap: %s is too large (%d bytes)", path, size)
	}
	m := &Mapping{f: f}
	if size > 0 {
		m.Data, err = mmap(f, int(size), opt)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmap: %s: %w", path, err)
		}
	}
	return m, nil
}

func (m *Mapping) Close() error {
	var err error
	if m.Data != nil {
		err = munmap(m.Data)
		m.Data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
