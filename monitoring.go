package kvs

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

type counters struct {
	begun       atomic.Uint64
	committed   atomic.Uint64
	conflicts   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
	reads       atomic.Uint64
	writes      atomic.Uint64
	scans       atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// Stats is a point-in-time view of datastore activity since open.
type Stats struct {
	Begun     uint64
	Committed uint64
	Conflicts uint64
	Failed    uint64
	Cancelled uint64

	Reads       uint64
	Writes      uint64
	Scans       uint64
	CacheHits   uint64
	CacheMisses uint64

	OpenTxns     int
	LogEntries   int
	Versionstamp Versionstamp

	// Cache is nil when the shared cache is disabled.
	Cache *CacheStats
}

func (db *Datastore) Stats() Stats {
	s := Stats{
		Begun:        db.stats.begun.Load(),
		Committed:    db.stats.committed.Load(),
		Conflicts:    db.stats.conflicts.Load(),
		Failed:       db.stats.failed.Load(),
		Cancelled:    db.stats.cancelled.Load(),
		Reads:        db.stats.reads.Load(),
		Writes:       db.stats.writes.Load(),
		Scans:        db.stats.scans.Load(),
		CacheHits:    db.stats.cacheHits.Load(),
		CacheMisses:  db.stats.cacheMisses.Load(),
		OpenTxns:     db.openTxnCount(),
		Versionstamp: db.mark.load(),
	}
	db.commitMu.Lock()
	s.LogEntries = db.log.len()
	db.commitMu.Unlock()
	if db.shared != nil {
		cs := db.shared.Stats()
		s.Cache = &cs
	}
	return s
}

type TableStats struct {
	Rows      int
	IndexRows int
	Edges     int

	DataSize  int
	IndexSize int
	EdgeSize  int
}

func (ts *TableStats) TotalSize() int {
	return ts.DataSize + ts.IndexSize + ts.EdgeSize
}

// TableStats counts the records, index entries and edges of a table as the
// transaction sees them. Sizes are key plus value bytes.
func (tx *Tx) TableStats(ctx context.Context, ns, db, tb string) (TableStats, error) {
	var result TableStats
	count := func(p Prefix, rows, size *int) error {
		c := tx.Range(ctx, p, ScanOptions{})
		for c.Next() {
			*rows++
			*size += len(c.RawKey()) + len(c.RawValue())
		}
		return c.Err()
	}
	if err := count(RecordsPrefix{ns, db, tb}, &result.Rows, &result.DataSize); err != nil {
		return result, err
	}
	if err := count(tableIndexesPrefix{ns, db, tb}, &result.IndexRows, &result.IndexSize); err != nil {
		return result, err
	}
	if err := count(TableEdgesPrefix{ns, db, tb}, &result.Edges, &result.EdgeSize); err != nil {
		return result, err
	}
	return result, nil
}

// tableIndexesPrefix covers the entries of every index of a table.
type tableIndexesPrefix struct {
	NS, DB, TB string
}

func (p tableIndexesPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return append(appendTBPath(buf, p.NS, p.DB, p.TB), keyIndex), nil
}

func loggableValue(v any) string {
	if v == nil {
		return "<none>"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return formatValue(v)
	}
	return string(data)
}
