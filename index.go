package kvs

import (
	"context"
	"fmt"
	"log/slog"
)

// IndexRef names one secondary index. Unique indexes allow each value
// tuple to be held by a single record.
type IndexRef struct {
	NS, DB, TB, IX string
	Unique         bool
}

func (r IndexRef) String() string {
	return "/" + r.NS + "/" + r.DB + "/" + r.TB + "+" + r.IX
}

func (r IndexRef) key(values []any, id any) IndexKey {
	return IndexKey{NS: r.NS, DB: r.DB, TB: r.TB, IX: r.IX, Values: values, ID: id}
}

// Prefix covers the entries whose value tuples start with values.
func (r IndexRef) Prefix(values ...any) IndexPrefix {
	return IndexPrefix{NS: r.NS, DB: r.DB, TB: r.TB, IX: r.IX, Values: values}
}

// indexTuplePrefix covers the entries holding exactly values, whatever
// their record ids.
type indexTuplePrefix struct {
	ref    IndexRef
	values []any
}

func (p indexTuplePrefix) AppendPrefix(buf []byte) ([]byte, error) {
	buf = append(appendTBPath(buf, p.ref.NS, p.ref.DB, p.ref.TB), keyIndex)
	buf = appendEscapedString(buf, p.ref.IX)
	return appendArray(buf, p.values, true)
}

var emptyIndexValue = []byte{}

// PutIndexEntry adds the entry (values, id) to the index. It does not
// check uniqueness; see PutUniqueIndexEntry.
func (tx *Tx) PutIndexEntry(ctx context.Context, ref IndexRef, values []any, id any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key, err := EncodeKey(ref.key(values, id))
	if err != nil {
		return err
	}
	tx.put(key, emptyIndexValue)
	return nil
}

// PutUniqueIndexEntry adds the entry (values, id), failing with
// ErrDuplicateIndexValue if another record already holds values.
func (tx *Tx) PutUniqueIndexEntry(ctx context.Context, ref IndexRef, values []any, id any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key, err := EncodeKey(ref.key(values, id))
	if err != nil {
		return err
	}
	holder, err := tx.indexHolder(ctx, ref, values, key)
	if err != nil {
		return err
	}
	if holder != nil {
		return fmt.Errorf("%w: %s%s held by %s", ErrDuplicateIndexValue, ref, formatValue(values), formatValue(holder))
	}
	tx.put(key, emptyIndexValue)
	return nil
}

// indexHolder returns the id of a record other than the one encoded in
// own that holds values, or nil.
func (tx *Tx) indexHolder(ctx context.Context, ref IndexRef, values []any, own []byte) (any, error) {
	c := tx.Range(ctx, indexTuplePrefix{ref, values}, ScanOptions{Limit: 2})
	defer c.Close()
	for c.Next() {
		if string(c.RawKey()) == string(own) {
			continue
		}
		k, ok := c.Key().(IndexKey)
		if !ok {
			return nil, fmt.Errorf("kvs: undecodable entry in index %s: %s", ref, hexstr(c.RawKey()))
		}
		return k.ID, nil
	}
	return nil, c.Err()
}

func (tx *Tx) RemoveIndexEntry(ctx context.Context, ref IndexRef, values []any, id any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key, err := EncodeKey(ref.key(values, id))
	if err != nil {
		return err
	}
	tx.del(key)
	return nil
}

// UpdateIndex moves the entries of record id from the old value tuples to
// the new ones. Entries in both sets are left alone.
func (tx *Tx) UpdateIndex(ctx context.Context, ref IndexRef, id any, oldValues, newValues [][]any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	newKeys := make(map[string][]any, len(newValues))
	for _, values := range newValues {
		key, err := EncodeKey(ref.key(values, id))
		if err != nil {
			return err
		}
		newKeys[string(key)] = values
	}

	var removed, added int
	for _, values := range oldValues {
		key, err := EncodeKey(ref.key(values, id))
		if err != nil {
			return err
		}
		if _, keep := newKeys[string(key)]; keep {
			delete(newKeys, string(key))
			continue
		}
		tx.del(key)
		removed++
	}

	for _, values := range newValues {
		key := must(EncodeKey(ref.key(values, id)))
		if _, pending := newKeys[string(key)]; !pending {
			continue
		}
		delete(newKeys, string(key))
		if ref.Unique {
			holder, err := tx.indexHolder(ctx, ref, values, key)
			if err != nil {
				return err
			}
			if holder != nil {
				return fmt.Errorf("%w: %s%s held by %s", ErrDuplicateIndexValue, ref, formatValue(values), formatValue(holder))
			}
		}
		tx.put(key, emptyIndexValue)
		added++
	}

	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: INDEX.UPDATE", slog.String("index", ref.String()), slog.String("id", formatValue(id)), slog.Int("removed", removed), slog.Int("added", added))
	}
	return nil
}

type IndexEntry struct {
	Values []any
	ID     any
}

// IndexScan returns the entries under p in index order.
func (tx *Tx) IndexScan(ctx context.Context, p IndexPrefix, opt ScanOptions) ([]IndexEntry, error) {
	var result []IndexEntry
	c := tx.Range(ctx, p, opt)
	defer c.Close()
	for c.Next() {
		k, ok := c.Key().(IndexKey)
		if !ok {
			return nil, fmt.Errorf("kvs: undecodable entry in index %s: %s", p.IX, hexstr(c.RawKey()))
		}
		result = append(result, IndexEntry{Values: k.Values, ID: k.ID})
	}
	return result, c.Err()
}

// IndexLookup returns the ids of the records holding exactly values.
func (tx *Tx) IndexLookup(ctx context.Context, ref IndexRef, values ...any) ([]any, error) {
	var ids []any
	c := tx.Range(ctx, indexTuplePrefix{ref, values}, ScanOptions{})
	defer c.Close()
	for c.Next() {
		k, ok := c.Key().(IndexKey)
		if !ok {
			return nil, fmt.Errorf("kvs: undecodable entry in index %s: %s", ref, hexstr(c.RawKey()))
		}
		ids = append(ids, k.ID)
	}
	return ids, c.Err()
}
