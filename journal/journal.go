// Package journal implements WAL-like append-only “journal” files.
//
// Intended use cases:
//
//  1. Database WAL files and change feeds.
//  2. Log files of various kinds.
//  3. Archival of historical database records.
//
// Features:
//
//  1. Suitable for records of all sizes, from very short to very long.
//     Multiple short records can be combined into a single commit with
//     minimal overhead.
//
//  2. Crash-resistant (if Options.Sync is set). Every commit carries a
//     running xxhash checksum of the segment; readers stop at the first
//     torn or corrupted commit of the last segment.
//
//  3. Automatically rotates the files when they reach a certain size,
//     always at a commit boundary.
//
//  4. Manages segment file naming.
//
// # File format
//
//   - file = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentNumber:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:192 checksum:64
//   - record = (size<<1):uvarint timestampDelta:uvarint bytes*
//   - commit = checksum:64 (little-endian, lowest bit set)
//
// A record header never has the lowest bit of its first byte set, which is
// how a reader tells records from commits.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/kvs/mmap"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrCorrupted          = fmt.Errorf("corrupted journal segment")
	ErrNotWritable        = errors.New("journal is not open for writing")
	errCorruptedHeader    = fmt.Errorf("corrupted journal segment header")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.bin"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes every Commit durable with fdatasync.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	segFlagAligned uint16 = 1 << 0
)

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	commitSize            = 8
	timestampFmt          = "20060102T150405"
)

// Journal represents a directory of append-only segment files.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	aligned          bool
	sync             bool
	verbose          bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
}

// Record is a committed journal record.
type Record struct {
	Segment   uint32
	ID        uint64
	Timestamp uint32
	Data      []byte
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		aligned:          false,
		sync:             o.Sync,
		verbose:          o.Verbose,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting prepares the journal for appending. New records always go
// into a fresh segment; record IDs continue after the last committed one.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.writable {
		return nil
	}
	if err := j.prepareToWrite_locked(); err != nil {
		return j.fail(err)
	}
	j.writable = true
	return nil
}

func (j *Journal) prepareToWrite_locked() error {
	err := os.MkdirAll(j.dir, 0o777)
	if err != nil {
		return err
	}

	for {
		names, err := j.segmentNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		lastName := names[len(names)-1]

		seq, _, firstID, err := j.parseFileName(lastName)
		if err != nil {
			return err
		}

		lastID := firstID - 1
		err = j.replayFile(lastName, seq, firstID, true, func(rec Record) error {
			lastID = rec.ID
			return nil
		})
		if err == errCorruptedHeader {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", lastName))
			err := os.Remove(filepath.Join(j.dir, lastName))
			if err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}

		j.writeSeg = seq
		j.writeRec = lastID
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: resuming", slog.String("jrnl", j.debugName), slog.Uint64("seg", uint64(seq)), slog.Uint64("rec", lastID))
		}
		return nil
	}
}

func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.finishWriting_locked()
}

func (j *Journal) finishWriting_locked() error {
	j.writable = false
	if j.segWriter != nil {
		err := j.segWriter.close()
		j.segWriter = nil
		return err
	}
	return nil
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	} else {
		return os.Open(fn)
	}
}

// segmentNames lists segment files in segment order.
func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names) // segment numbers are zero-padded
	return names, nil
}

// WriteRecord appends a record to the current segment. It becomes visible
// to readers at the next Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrNotWritable
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit seals the records written so far, and rotates the segment if it
// has grown past MaxFileSize.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil {
		return nil
	}
	if err := sw.commit(); err != nil {
		return j.fail(err)
	}
	if j.sync {
		if err := mmap.Fdatasync(sw.f, nil); err != nil {
			return j.fail(err)
		}
	}
	if sw.size >= j.maxFileSize {
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: rotating", slog.String("jrnl", j.debugName), slog.Uint64("seg", uint64(sw.seg)), slog.Int64("size", sw.size))
		}
		j.segWriter = nil
		return j.fail(sw.close())
	}
	return nil
}

func (j *Journal) checkHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum || h.Magic != magic {
		return errCorruptedHeader
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedHeader
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	if ((h.Flags & segFlagAligned) != 0) != j.aligned {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return err
	}

	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return err
	}

	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit() error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	buf := commitTrailer(&sw.hash)
	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += commitSize
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func commitTrailer(hash *xxhash.Digest) [commitSize]byte {
	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], hash.Sum64())
	buf[0] |= recordFlagCommit
	return buf
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     0,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}
	if j.aligned {
		h.Flags |= segFlagAligned
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

// Replay calls fn for every committed record, in order. A torn or
// corrupted tail of the last segment is ignored; damage anywhere else is
// reported as ErrCorrupted.
func (j *Journal) Replay(fn func(rec Record) error) error {
	names, err := j.segmentNames()
	if err != nil {
		return err
	}
	for i, name := range names {
		if err := j.context.Err(); err != nil {
			return err
		}
		seq, _, firstID, err := j.parseFileName(name)
		if err != nil {
			return err
		}
		err = j.replayFile(name, seq, firstID, i == len(names)-1, fn)
		if err == errCorruptedHeader {
			return fmt.Errorf("%w: %s: bad header", ErrCorrupted, name)
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replayFile(name string, seq uint32, firstID uint64, last bool, fn func(rec Record) error) error {
	m, err := mmap.Open(filepath.Join(j.dir, name), mmap.SequentialAccess)
	if err != nil {
		return err
	}
	defer m.Close()
	return j.replaySegment(name, m.Data, seq, firstID, last, fn)
}

func (j *Journal) replaySegment(name string, data []byte, seq uint32, firstID uint64, last bool, fn func(rec Record) error) error {
	if len(data) < segmentHeaderSize {
		if last {
			return errCorruptedHeader
		}
		return fmt.Errorf("%w: %s: truncated header", ErrCorrupted, name)
	}
	var h segmentHeader
	if err := j.checkHeader(data, &h, seq); err != nil {
		return err
	}

	var hash xxhash.Digest
	hash.Reset()
	hash.Write(data[:segmentHeaderSize])

	torn := func(off int, what string) error {
		if last {
			if j.verbose {
				j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: ignoring torn tail", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Int("off", off), slog.String("why", what))
			}
			return nil
		}
		return fmt.Errorf("%w: %s at 0x%x: %s", ErrCorrupted, name, off, what)
	}

	ts := h.Timestamp
	id := firstID
	pos := segmentHeaderSize
	var pending []Record
	for pos < len(data) {
		if data[pos]&recordFlagCommit != 0 {
			if pos+commitSize > len(data) {
				return torn(pos, "truncated commit")
			}
			want := commitTrailer(&hash)
			if !bytes.Equal(want[:], data[pos:pos+commitSize]) {
				return torn(pos, "checksum mismatch")
			}
			hash.Write(data[pos : pos+commitSize])
			pos += commitSize
			for _, rec := range pending {
				if err := fn(rec); err != nil {
					return err
				}
			}
			pending = pending[:0]
			continue
		}

		sizeAndFlags, n1 := binary.Uvarint(data[pos:])
		if n1 <= 0 {
			return torn(pos, "bad record size")
		}
		tsDelta, n2 := binary.Uvarint(data[pos+n1:])
		if n2 <= 0 || tsDelta > 0xFFFF_FFFF {
			return torn(pos, "bad record timestamp")
		}
		size := sizeAndFlags >> recordFlagShift
		start := pos + n1 + n2
		if size > uint64(len(data)-start) {
			return torn(pos, "truncated record")
		}
		end := start + int(size)
		hash.Write(data[pos:end])
		ts += uint32(tsDelta)
		pending = append(pending, Record{
			Segment:   seq,
			ID:        id,
			Timestamp: ts,
			Data:      bytes.Clone(data[start:end]),
		})
		id++
		pos = end
	}
	return nil
}

func (j *Journal) parseFileName(name string) (seq, ts uint32, id uint64, err error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(base)
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
