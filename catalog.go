package kvs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type NamespaceDef struct {
	Name    string    `msgpack:"name"`
	Comment string    `msgpack:"comment,omitempty"`
	Created time.Time `msgpack:"created"`
}

type DatabaseDef struct {
	Name    string    `msgpack:"name"`
	Comment string    `msgpack:"comment,omitempty"`
	Created time.Time `msgpack:"created"`
}

type TableDef struct {
	Name    string    `msgpack:"name"`
	Comment string    `msgpack:"comment,omitempty"`
	Created time.Time `msgpack:"created"`
}

type IndexDef struct {
	Name    string    `msgpack:"name"`
	Fields  []string  `msgpack:"fields"`
	Unique  bool      `msgpack:"unique,omitempty"`
	Created time.Time `msgpack:"created"`
}

// Ref returns the reference used to maintain the index entries.
func (d *IndexDef) Ref(ns, db, tb string) IndexRef {
	return IndexRef{NS: ns, DB: db, TB: tb, IX: d.Name, Unique: d.Unique}
}

// DefineNamespace stores (or replaces) the definition of a namespace.
func (tx *Tx) DefineNamespace(ctx context.Context, def NamespaceDef) error {
	return tx.define(ctx, NamespaceKey{def.Name}, &def.Created, &def)
}

// DefineDatabase stores the definition of a database. Without strict mode
// a missing namespace is defined implicitly.
func (tx *Tx) DefineDatabase(ctx context.Context, ns string, def DatabaseDef) error {
	if err := tx.ensureNamespace(ctx, ns); err != nil {
		return err
	}
	return tx.define(ctx, DatabaseKey{ns, def.Name}, &def.Created, &def)
}

func (tx *Tx) DefineTable(ctx context.Context, ns, db string, def TableDef) error {
	if err := tx.ensureDatabase(ctx, ns, db); err != nil {
		return err
	}
	return tx.define(ctx, TableKey{ns, db, def.Name}, &def.Created, &def)
}

// DefineIndex stores an index definition. Existing records are not
// indexed; callers backfill with UpdateIndex.
func (tx *Tx) DefineIndex(ctx context.Context, ns, db, tb string, def IndexDef) error {
	if err := tx.ensureTable(ctx, ns, db, tb); err != nil {
		return err
	}
	return tx.define(ctx, IndexDefKey{ns, db, tb, def.Name}, &def.Created, &def)
}

// definedAt decodes just the creation time of any stored definition.
type definedAt struct {
	Created time.Time `msgpack:"created"`
}

func (tx *Tx) define(ctx context.Context, k Key, created *time.Time, def any) error {
	if created.IsZero() {
		old, err := Get[definedAt](ctx, tx, k)
		if err != nil {
			return err
		}
		if old != nil && !old.Created.IsZero() {
			*created = old.Created
		} else {
			*created = tx.db.now().UTC()
		}
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: DEFINE", slog.String("key", k.String()))
	}
	return tx.Write(ctx, k, def)
}

func (tx *Tx) ensureNamespace(ctx context.Context, ns string) error {
	found, err := tx.Exists(ctx, NamespaceKey{ns})
	if err != nil || found {
		return err
	}
	if tx.db.strict {
		return fmt.Errorf("namespace %q: %w", ns, ErrUndefined)
	}
	return tx.DefineNamespace(ctx, NamespaceDef{Name: ns})
}

func (tx *Tx) ensureDatabase(ctx context.Context, ns, db string) error {
	found, err := tx.Exists(ctx, DatabaseKey{ns, db})
	if err != nil || found {
		return err
	}
	if tx.db.strict {
		return fmt.Errorf("database %q in namespace %q: %w", db, ns, ErrUndefined)
	}
	return tx.DefineDatabase(ctx, ns, DatabaseDef{Name: db})
}

func (tx *Tx) ensureTable(ctx context.Context, ns, db, tb string) error {
	found, err := tx.Exists(ctx, TableKey{ns, db, tb})
	if err != nil || found {
		return err
	}
	if tx.db.strict {
		return fmt.Errorf("table %q in %s/%s: %w", tb, ns, db, ErrUndefined)
	}
	return tx.DefineTable(ctx, ns, db, TableDef{Name: tb})
}

func (tx *Tx) Namespace(ctx context.Context, ns string) (*NamespaceDef, error) {
	return Get[NamespaceDef](ctx, tx, NamespaceKey{ns})
}

func (tx *Tx) Database(ctx context.Context, ns, db string) (*DatabaseDef, error) {
	return Get[DatabaseDef](ctx, tx, DatabaseKey{ns, db})
}

func (tx *Tx) Table(ctx context.Context, ns, db, tb string) (*TableDef, error) {
	return Get[TableDef](ctx, tx, TableKey{ns, db, tb})
}

func (tx *Tx) Index(ctx context.Context, ns, db, tb, ix string) (*IndexDef, error) {
	return Get[IndexDef](ctx, tx, IndexDefKey{ns, db, tb, ix})
}

func (tx *Tx) Namespaces(ctx context.Context) ([]NamespaceDef, error) {
	return listDefs[NamespaceDef](ctx, tx, NamespacesPrefix{})
}

func (tx *Tx) Databases(ctx context.Context, ns string) ([]DatabaseDef, error) {
	return listDefs[DatabaseDef](ctx, tx, DatabasesPrefix{ns})
}

func (tx *Tx) Tables(ctx context.Context, ns, db string) ([]TableDef, error) {
	return listDefs[TableDef](ctx, tx, TablesPrefix{ns, db})
}

func (tx *Tx) Indexes(ctx context.Context, ns, db, tb string) ([]IndexDef, error) {
	return listDefs[IndexDef](ctx, tx, IndexDefsPrefix{ns, db, tb})
}

func listDefs[T any](ctx context.Context, tx *Tx, p Prefix) ([]T, error) {
	var result []T
	c := tx.Range(ctx, p, ScanOptions{})
	defer c.Close()
	for c.Next() {
		var def T
		if err := decodeValueInto(c.RawValue(), &def); err != nil {
			return nil, fmt.Errorf("%s: %w", describeKey(c.RawKey()), err)
		}
		result = append(result, def)
	}
	return result, c.Err()
}

// RemoveIndex deletes an index definition and all of its entries.
//
// Like the other Remove methods, it fails with ErrUndefined when the
// definition does not exist; callers wanting IF EXISTS behaviour ignore
// that with errors.Is.
func (tx *Tx) RemoveIndex(ctx context.Context, ns, db, tb, ix string) error {
	if err := tx.removeDef(ctx, IndexDefKey{ns, db, tb, ix}); err != nil {
		return err
	}
	_, err := tx.RemoveRange(ctx, IndexPrefix{NS: ns, DB: db, TB: tb, IX: ix})
	return err
}

// RemoveTable deletes a table definition and everything stored in the
// table: records, index definitions and entries, edges and the sequence.
// Edge halves mirrored under other tables are removed too.
func (tx *Tx) RemoveTable(ctx context.Context, ns, db, tb string) error {
	if err := tx.removeDef(ctx, TableKey{ns, db, tb}); err != nil {
		return err
	}
	mirrors, err := tx.edgeMirrors(ctx, TableEdgesPrefix{ns, db, tb})
	if err != nil {
		return err
	}
	for _, k := range mirrors {
		if err := tx.Remove(ctx, k); err != nil {
			return err
		}
	}
	_, err = tx.RemoveRange(ctx, TablePrefix{ns, db, tb})
	return err
}

func (tx *Tx) RemoveDatabase(ctx context.Context, ns, db string) error {
	if err := tx.removeDef(ctx, DatabaseKey{ns, db}); err != nil {
		return err
	}
	_, err := tx.RemoveRange(ctx, DatabasePrefix{ns, db})
	return err
}

func (tx *Tx) RemoveNamespace(ctx context.Context, ns string) error {
	if err := tx.removeDef(ctx, NamespaceKey{ns}); err != nil {
		return err
	}
	_, err := tx.RemoveRange(ctx, NamespacePrefix{ns})
	return err
}

func (tx *Tx) removeDef(ctx context.Context, k Key) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	found, err := tx.Exists(ctx, k)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", k, ErrUndefined)
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: REMOVE", slog.String("key", k.String()))
	}
	return tx.Remove(ctx, k)
}

// edgeMirrors returns the opposite halves of the edge entries under p.
func (tx *Tx) edgeMirrors(ctx context.Context, p Prefix) ([]EdgeKey, error) {
	var result []EdgeKey
	c := tx.Range(ctx, p, ScanOptions{})
	defer c.Close()
	for c.Next() {
		k, err := DecodeKey(c.RawKey())
		if err != nil {
			return nil, err
		}
		ek, ok := k.(EdgeKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an edge key", describeKey(c.RawKey()))
		}
		result = append(result, ek.Mirror())
	}
	return result, c.Err()
}

// NextID allocates the next integer record id of a table, starting at 1.
// Concurrent allocators conflict on commit.
func (tx *Tx) NextID(ctx context.Context, ns, db, tb string) (int64, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	k := SequenceKey{ns, db, tb}
	last, err := Get[int64](ctx, tx, k)
	if err != nil {
		return 0, err
	}
	var next int64 = 1
	if last != nil {
		next = *last + 1
	}
	if err := tx.Write(ctx, k, next); err != nil {
		return 0, err
	}
	return next, nil
}
