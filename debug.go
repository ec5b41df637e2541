package kvs

import (
	"context"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows
	DumpEdges

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the tables of one database as the transaction sees them.
func (tx *Tx) Dump(ctx context.Context, ns, db string, f DumpFlags) (string, error) {
	tables, err := tx.Tables(ctx, ns, db)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	for _, tbl := range tables {
		if err := tx.dumpTable(ctx, &buf, ns, db, tbl.Name, f); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (tx *Tx) dumpTable(ctx context.Context, w *strings.Builder, ns, db, tb string, f DumpFlags) error {
	prefix := ns + "/" + db + "/" + tb
	s, err := tx.TableStats(ctx, ns, db, tb)
	if err != nil {
		return err
	}

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, edges = %d, data_size = %d, index_size = %d, edge_size = %d, total_size = %d\n", prefix, s.IndexRows, s.Edges, s.DataSize, s.IndexSize, s.EdgeSize, s.TotalSize())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		if err := tx.dumpRange(ctx, w, prefix, RecordsPrefix{ns, db, tb}); err != nil {
			return err
		}
	}

	if f.Contains(DumpIndices) {
		indexes, err := tx.Indexes(ctx, ns, db, tb)
		if err != nil {
			return err
		}
		for _, ix := range indexes {
			fmt.Fprintln(w, dumpSep2)
			iprefix := prefix + ".i." + ix.Name
			fmt.Fprintf(w, "%s (%s)%s\n", iprefix, strings.Join(ix.Fields, ", "), map[bool]string{false: "", true: " UNIQUE"}[ix.Unique])
			if f.Contains(DumpIndexRows) {
				err := tx.dumpRange(ctx, w, iprefix, IndexPrefix{NS: ns, DB: db, TB: tb, IX: ix.Name})
				if err != nil {
					return err
				}
			}
		}
	}

	if f.Contains(DumpEdges) {
		fmt.Fprintln(w, dumpSep2)
		if err := tx.dumpRange(ctx, w, prefix+".e", TableEdgesPrefix{ns, db, tb}); err != nil {
			return err
		}
	}
	return nil
}

// DumpRange renders every pair under p, one per line.
func (tx *Tx) DumpRange(ctx context.Context, p Prefix) (string, error) {
	var buf strings.Builder
	err := tx.dumpRange(ctx, &buf, "", p)
	return buf.String(), err
}

func (tx *Tx) dumpRange(ctx context.Context, w *strings.Builder, prefix string, p Prefix) error {
	c := tx.Range(ctx, p, ScanOptions{})
	defer c.Close()
	var pos int
	for c.Next() {
		pos++
		label := describeKey(c.RawKey())
		if prefix != "" {
			label = fmt.Sprintf("%s.%d: %s", prefix, pos, label)
		}
		if len(c.RawValue()) == 0 {
			fmt.Fprintln(w, label)
			continue
		}
		v, err := decodeValue(c.RawValue())
		if err != nil {
			fmt.Fprintf(w, "%s = ** ERROR: %v\n", label, err)
			continue
		}
		fmt.Fprintf(w, "%s = %s\n", label, loggableValue(v))
	}
	return c.Err()
}

// DescribeStats renders Stats as aligned name/value lines.
func (db *Datastore) DescribeStats() string {
	s := db.Stats()
	var buf strings.Builder
	line := func(name string, v any) {
		fmt.Fprintf(&buf, "%s %v\n", rpad(name, 16, '.'), v)
	}
	line("versionstamp", s.Versionstamp)
	line("open_txns", s.OpenTxns)
	line("log_entries", s.LogEntries)
	line("begun", s.Begun)
	line("committed", s.Committed)
	line("conflicts", s.Conflicts)
	line("failed", s.Failed)
	line("cancelled", s.Cancelled)
	line("reads", s.Reads)
	line("writes", s.Writes)
	line("scans", s.Scans)
	line("cache_hits", s.CacheHits)
	line("cache_misses", s.CacheMisses)
	if c := s.Cache; c != nil {
		line("cache_entries", c.Entries)
		line("cache_charge", fmt.Sprintf("%d / %d", c.Charge, c.Capacity))
		line("cache_evictions", c.Evictions)
	}
	return buf.String()
}
