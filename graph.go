package kvs

import (
	"context"
	"fmt"
	"log/slog"
)

// Edge is one graph edge as seen from one of its ends.
type Edge struct {
	From  Thing
	Kind  string
	To    Thing
	Dir   Direction // direction relative to the record it was listed for
	Value any
}

func (e Edge) String() string {
	return e.From.String() + "->" + e.Kind + "->" + e.To.String()
}

func edgeKeys(ns, db string, from Thing, kind string, to Thing) (out, in []byte, err error) {
	ok := EdgeKey{NS: ns, DB: db, TB: from.Table, ID: from.ID, Dir: DirOut, Edge: kind, Target: to}
	out, err = EncodeKey(ok)
	if err != nil {
		return nil, nil, err
	}
	in, err = EncodeKey(ok.Mirror())
	if err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// Relate records the edge from -kind-> to. The outgoing entry under from
// and the incoming entry under to are written together, so readers see
// both or neither. The value, if any, is stored on both halves.
func (tx *Tx) Relate(ctx context.Context, ns, db string, from Thing, kind string, to Thing, value any) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if kind == "" {
		return fmt.Errorf("kvs: edge kind must not be empty")
	}
	out, in, err := edgeKeys(ns, db, from, kind, to)
	if err != nil {
		return err
	}
	data := emptyIndexValue
	if value != nil {
		data, err = encodeValue(nil, value)
		if err != nil {
			return err
		}
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: RELATE", slog.String("from", from.String()), slog.String("edge", kind), slog.String("to", to.String()))
	}
	tx.put(out, data)
	tx.put(in, data)
	return nil
}

// Unrelate removes both halves of the edge from -kind-> to.
func (tx *Tx) Unrelate(ctx context.Context, ns, db string, from Thing, kind string, to Thing) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	out, in, err := edgeKeys(ns, db, from, kind, to)
	if err != nil {
		return err
	}
	if tx.db.verbose {
		tx.db.logger.LogAttrs(ctx, slog.LevelDebug, "db: UNRELATE", slog.String("from", from.String()), slog.String("edge", kind), slog.String("to", to.String()))
	}
	tx.del(out)
	tx.del(in)
	return nil
}

// Edges lists the edges of the record of. An empty kind lists every kind;
// DirBoth lists both directions, incoming first.
func (tx *Tx) Edges(ctx context.Context, ns, db string, of Thing, dir Direction, kind string) ([]Edge, error) {
	if dir == DirBoth && kind != "" {
		in, err := tx.Edges(ctx, ns, db, of, DirIn, kind)
		if err != nil {
			return nil, err
		}
		out, err := tx.Edges(ctx, ns, db, of, DirOut, kind)
		if err != nil {
			return nil, err
		}
		return append(in, out...), nil
	}

	p := EdgesPrefix{NS: ns, DB: db, TB: of.Table, ID: of.ID, Dir: dir, Edge: kind}
	var result []Edge
	c := tx.Range(ctx, p, ScanOptions{})
	defer c.Close()
	for c.Next() {
		k, ok := c.Key().(EdgeKey)
		if !ok {
			return nil, fmt.Errorf("kvs: undecodable edge entry under %s: %s", of, hexstr(c.RawKey()))
		}
		e := Edge{Kind: k.Edge, Dir: k.Dir}
		if k.Dir == DirOut {
			e.From, e.To = k.Thing(), k.Target
		} else {
			e.From, e.To = k.Target, k.Thing()
		}
		if len(c.RawValue()) > 0 {
			e.Value = c.Value()
		}
		result = append(result, e)
	}
	return result, c.Err()
}

// RemoveEdges removes every edge of the record of, both halves of each,
// and returns how many edges there were.
func (tx *Tx) RemoveEdges(ctx context.Context, ns, db string, of Thing) (int, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	edges, err := tx.Edges(ctx, ns, db, of, DirBoth, "")
	if err != nil {
		return 0, err
	}
	for _, e := range edges {
		if err := tx.Unrelate(ctx, ns, db, e.From, e.Kind, e.To); err != nil {
			return 0, err
		}
	}
	return len(edges), nil
}
