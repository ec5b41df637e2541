package kvs

import "fmt"

// Every key starts with keyRoot. Below the root, each hierarchy level is
// introduced by one of the markers: child (namespace, database, table, then
// record id), meta (definitions and counters), index entries or graph edges.
// Within a table: meta < records < index entries < edges.
const (
	keyRoot  byte = '/'
	keyChild byte = '*'
	keyMeta  byte = '!'
	keyIndex byte = '+'
	keyEdge  byte = '~'
)

// Two-letter codes after keyMeta.
const (
	metaNamespace    = "ns"
	metaDatabase     = "db"
	metaTable        = "tb"
	metaIndex        = "ix"
	metaSequence     = "sq"
	metaVersionstamp = "vs"
)

// Direction of a graph edge entry, as seen from the record that owns it.
type Direction byte

const (
	DirBoth Direction = 0
	DirIn   Direction = '<'
	DirOut  Direction = '>'
)

func (d Direction) String() string {
	switch d {
	case DirBoth:
		return "<>"
	case DirIn:
		return "<-"
	case DirOut:
		return "->"
	default:
		return fmt.Sprintf("dir(%02x)", byte(d))
	}
}

// Prefix is a partial key tuple. Every key sharing the prefix sorts inside
// the range returned by KeyRange.
type Prefix interface {
	AppendPrefix(buf []byte) ([]byte, error)
}

// Key is a complete logical key tuple.
type Key interface {
	Prefix
	AppendKey(buf []byte) ([]byte, error)
	String() string
}

type (
	NamespaceKey struct {
		NS string
	}

	DatabaseKey struct {
		NS, DB string
	}

	TableKey struct {
		NS, DB, TB string
	}

	IndexDefKey struct {
		NS, DB, TB, IX string
	}

	// SequenceKey holds the last identifier handed out by NextID.
	SequenceKey struct {
		NS, DB, TB string
	}

	RecordKey struct {
		NS, DB, TB string
		ID         any
	}

	// IndexKey is one entry of a secondary index. Values hold the indexed
	// tuple; ID identifies the record, keeping non-unique entries distinct.
	IndexKey struct {
		NS, DB, TB, IX string
		Values         []any
		ID             any
	}

	// EdgeKey is one half of a graph edge. The outgoing half lives under
	// the source record with Dir == DirOut, the incoming half under the
	// target record with Dir == DirIn.
	EdgeKey struct {
		NS, DB, TB string
		ID         any
		Dir        Direction
		Edge       string
		Target     Thing
	}

	// VersionstampKey stores the persisted versionstamp reservation.
	VersionstampKey struct{}
)

func appendMeta(buf []byte, code string) []byte {
	return append(buf, keyMeta, code[0], code[1])
}

func appendNSPath(buf []byte, ns string) []byte {
	buf = append(buf, keyRoot, keyChild)
	return appendEscapedString(buf, ns)
}

func appendDBPath(buf []byte, ns, db string) []byte {
	buf = append(appendNSPath(buf, ns), keyChild)
	return appendEscapedString(buf, db)
}

func appendTBPath(buf []byte, ns, db, tb string) []byte {
	buf = append(appendDBPath(buf, ns, db), keyChild)
	return appendEscapedString(buf, tb)
}

func (k NamespaceKey) AppendKey(buf []byte) ([]byte, error) {
	buf = appendMeta(append(buf, keyRoot), metaNamespace)
	return appendEscapedString(buf, k.NS), nil
}

func (k DatabaseKey) AppendKey(buf []byte) ([]byte, error) {
	buf = appendMeta(appendNSPath(buf, k.NS), metaDatabase)
	return appendEscapedString(buf, k.DB), nil
}

func (k TableKey) AppendKey(buf []byte) ([]byte, error) {
	buf = appendMeta(appendDBPath(buf, k.NS, k.DB), metaTable)
	return appendEscapedString(buf, k.TB), nil
}

func (k IndexDefKey) AppendKey(buf []byte) ([]byte, error) {
	buf = appendMeta(appendTBPath(buf, k.NS, k.DB, k.TB), metaIndex)
	return appendEscapedString(buf, k.IX), nil
}

func (k SequenceKey) AppendKey(buf []byte) ([]byte, error) {
	return appendMeta(appendTBPath(buf, k.NS, k.DB, k.TB), metaSequence), nil
}

func (k RecordKey) AppendKey(buf []byte) ([]byte, error) {
	buf = append(appendTBPath(buf, k.NS, k.DB, k.TB), keyChild)
	return EncodeValue(buf, k.ID)
}

func (k IndexKey) AppendKey(buf []byte) ([]byte, error) {
	buf = append(appendTBPath(buf, k.NS, k.DB, k.TB), keyIndex)
	buf = appendEscapedString(buf, k.IX)
	buf, err := appendArray(buf, k.Values, true)
	if err != nil {
		return nil, err
	}
	return EncodeValue(buf, k.ID)
}

func (k EdgeKey) AppendKey(buf []byte) ([]byte, error) {
	if k.Dir != DirIn && k.Dir != DirOut {
		return nil, fmt.Errorf("kvs: edge key needs a direction, got %v", k.Dir)
	}
	buf = append(appendTBPath(buf, k.NS, k.DB, k.TB), keyEdge)
	buf, err := EncodeValue(buf, k.ID)
	if err != nil {
		return nil, err
	}
	buf = append(buf, byte(k.Dir))
	buf = appendEscapedString(buf, k.Edge)
	return appendThing(buf, k.Target)
}

func (k VersionstampKey) AppendKey(buf []byte) ([]byte, error) {
	return appendMeta(append(buf, keyRoot), metaVersionstamp), nil
}

func (k NamespaceKey) AppendPrefix(buf []byte) ([]byte, error)    { return k.AppendKey(buf) }
func (k DatabaseKey) AppendPrefix(buf []byte) ([]byte, error)     { return k.AppendKey(buf) }
func (k TableKey) AppendPrefix(buf []byte) ([]byte, error)        { return k.AppendKey(buf) }
func (k IndexDefKey) AppendPrefix(buf []byte) ([]byte, error)     { return k.AppendKey(buf) }
func (k SequenceKey) AppendPrefix(buf []byte) ([]byte, error)     { return k.AppendKey(buf) }
func (k RecordKey) AppendPrefix(buf []byte) ([]byte, error)       { return k.AppendKey(buf) }
func (k IndexKey) AppendPrefix(buf []byte) ([]byte, error)        { return k.AppendKey(buf) }
func (k EdgeKey) AppendPrefix(buf []byte) ([]byte, error)         { return k.AppendKey(buf) }
func (k VersionstampKey) AppendPrefix(buf []byte) ([]byte, error) { return k.AppendKey(buf) }

func (k NamespaceKey) String() string { return "/!ns/" + k.NS }
func (k DatabaseKey) String() string  { return "/" + k.NS + "!db/" + k.DB }
func (k TableKey) String() string     { return "/" + k.NS + "/" + k.DB + "!tb/" + k.TB }
func (k IndexDefKey) String() string {
	return "/" + k.NS + "/" + k.DB + "/" + k.TB + "!ix/" + k.IX
}
func (k SequenceKey) String() string { return "/" + k.NS + "/" + k.DB + "/" + k.TB + "!sq" }
func (k RecordKey) String() string {
	return "/" + k.NS + "/" + k.DB + "/" + k.TB + ":" + formatValue(k.ID)
}
func (k IndexKey) String() string {
	return "/" + k.NS + "/" + k.DB + "/" + k.TB + "+" + k.IX + formatValue(k.Values) + ":" + formatValue(k.ID)
}
func (k EdgeKey) String() string {
	return "/" + k.NS + "/" + k.DB + "/" + k.TB + ":" + formatValue(k.ID) + k.Dir.String() + k.Edge + k.Dir.String() + k.Target.String()
}
func (k VersionstampKey) String() string { return "/!vs" }

// Thing returns the record this edge entry is stored under.
func (k EdgeKey) Thing() Thing {
	return Thing{Table: k.TB, ID: k.ID}
}

// Mirror returns the complementary half of the edge.
func (k EdgeKey) Mirror() EdgeKey {
	dir := DirIn
	if k.Dir == DirIn {
		dir = DirOut
	}
	return EdgeKey{
		NS:     k.NS,
		DB:     k.DB,
		TB:     k.Target.Table,
		ID:     k.Target.ID,
		Dir:    dir,
		Edge:   k.Edge,
		Target: k.Thing(),
	}
}

// EncodeKey returns the byte form of k.
func EncodeKey(k Key) ([]byte, error) {
	return k.AppendKey(nil)
}

func mustEncodeKey(k Key) []byte {
	return must(k.AppendKey(nil))
}

// DecodeKey parses a byte key produced by EncodeKey. It fails with a
// *DecodeError wrapping ErrTruncated, ErrUnknownTag or ErrInvalidEncoding.
func DecodeKey(data []byte) (Key, error) {
	d := makeByteDecoder(data)
	k, err := d.key()
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, decodeErrf(data, d.Off(), ErrInvalidEncoding, "%d trailing bytes after %T", len(d.Buf), k)
	}
	return k, nil
}

func (d *byteDecoder) metaCode() (string, error) {
	code, err := d.Raw(2)
	if err != nil {
		return "", err
	}
	return string(code), nil
}

func (d *byteDecoder) unknownMeta(code string) error {
	return decodeErrf(d.Orig, d.Off()-2, ErrUnknownTag, "unknown metadata code %q", code)
}

func (d *byteDecoder) unknownMarker(b byte, level string) error {
	return decodeErrf(d.Orig, d.Off()-1, ErrUnknownTag, "unknown %s marker %02x", level, b)
}

func (d *byteDecoder) key() (Key, error) {
	if err := d.Expect(keyRoot, "key root"); err != nil {
		return nil, err
	}
	m, err := d.Byte()
	if err != nil {
		return nil, err
	}
	switch m {
	case keyMeta:
		code, err := d.metaCode()
		if err != nil {
			return nil, err
		}
		switch code {
		case metaNamespace:
			ns, err := d.EscapedString()
			return NamespaceKey{ns}, err
		case metaVersionstamp:
			return VersionstampKey{}, nil
		default:
			return nil, d.unknownMeta(code)
		}
	case keyChild:
		ns, err := d.EscapedString()
		if err != nil {
			return nil, err
		}
		return d.namespaceKey(ns)
	default:
		return nil, d.unknownMarker(m, "root")
	}
}

func (d *byteDecoder) namespaceKey(ns string) (Key, error) {
	m, err := d.Byte()
	if err != nil {
		return nil, err
	}
	switch m {
	case keyMeta:
		code, err := d.metaCode()
		if err != nil {
			return nil, err
		}
		if code != metaDatabase {
			return nil, d.unknownMeta(code)
		}
		db, err := d.EscapedString()
		return DatabaseKey{ns, db}, err
	case keyChild:
		db, err := d.EscapedString()
		if err != nil {
			return nil, err
		}
		return d.databaseKey(ns, db)
	default:
		return nil, d.unknownMarker(m, "namespace")
	}
}

func (d *byteDecoder) databaseKey(ns, db string) (Key, error) {
	m, err := d.Byte()
	if err != nil {
		return nil, err
	}
	switch m {
	case keyMeta:
		code, err := d.metaCode()
		if err != nil {
			return nil, err
		}
		if code != metaTable {
			return nil, d.unknownMeta(code)
		}
		tb, err := d.EscapedString()
		return TableKey{ns, db, tb}, err
	case keyChild:
		tb, err := d.EscapedString()
		if err != nil {
			return nil, err
		}
		return d.tableKey(ns, db, tb)
	default:
		return nil, d.unknownMarker(m, "database")
	}
}

func (d *byteDecoder) tableKey(ns, db, tb string) (Key, error) {
	m, err := d.Byte()
	if err != nil {
		return nil, err
	}
	switch m {
	case keyMeta:
		code, err := d.metaCode()
		if err != nil {
			return nil, err
		}
		switch code {
		case metaIndex:
			ix, err := d.EscapedString()
			return IndexDefKey{ns, db, tb, ix}, err
		case metaSequence:
			return SequenceKey{ns, db, tb}, nil
		default:
			return nil, d.unknownMeta(code)
		}

	case keyChild:
		id, err := d.Value()
		if err != nil {
			return nil, err
		}
		return RecordKey{ns, db, tb, id}, nil

	case keyIndex:
		ix, err := d.EscapedString()
		if err != nil {
			return nil, err
		}
		off := d.Off()
		vals, err := d.Value()
		if err != nil {
			return nil, err
		}
		arr, ok := vals.([]any)
		if !ok {
			return nil, decodeErrf(d.Orig, off, ErrInvalidEncoding, "index values are %T, wanted an array", vals)
		}
		id, err := d.Value()
		if err != nil {
			return nil, err
		}
		return IndexKey{ns, db, tb, ix, arr, id}, nil

	case keyEdge:
		id, err := d.Value()
		if err != nil {
			return nil, err
		}
		dir, err := d.Byte()
		if err != nil {
			return nil, err
		}
		if Direction(dir) != DirIn && Direction(dir) != DirOut {
			return nil, decodeErrf(d.Orig, d.Off()-1, ErrUnknownTag, "unknown edge direction %02x", dir)
		}
		edge, err := d.EscapedString()
		if err != nil {
			return nil, err
		}
		off := d.Off()
		target, err := d.Value()
		if err != nil {
			return nil, err
		}
		t, ok := target.(Thing)
		if !ok {
			return nil, decodeErrf(d.Orig, off, ErrInvalidEncoding, "edge target is %T, wanted a record reference", target)
		}
		return EdgeKey{ns, db, tb, id, Direction(dir), edge, t}, nil

	default:
		return nil, d.unknownMarker(m, "table")
	}
}

// describeKey renders a raw key for logs and error messages.
func describeKey(raw []byte) string {
	if k, err := DecodeKey(raw); err == nil {
		return k.String()
	}
	return hexstr(raw)
}

// Partial tuples.
type (
	// AllPrefix covers every key the codec produces.
	AllPrefix struct{}

	// NamespacesPrefix covers all namespace definitions.
	NamespacesPrefix struct{}

	// NamespacePrefix covers everything stored inside a namespace.
	NamespacePrefix struct {
		NS string
	}

	DatabasesPrefix struct {
		NS string
	}

	DatabasePrefix struct {
		NS, DB string
	}

	TablesPrefix struct {
		NS, DB string
	}

	// TablePrefix covers the table's index definitions, sequence,
	// records, index entries and edges.
	TablePrefix struct {
		NS, DB, TB string
	}

	IndexDefsPrefix struct {
		NS, DB, TB string
	}

	RecordsPrefix struct {
		NS, DB, TB string
	}

	// IndexPrefix covers the entries of one index whose value tuples start
	// with Values. With no Values it covers the whole index.
	IndexPrefix struct {
		NS, DB, TB, IX string
		Values         []any
	}

	// TableEdgesPrefix covers all edge entries stored under a table.
	TableEdgesPrefix struct {
		NS, DB, TB string
	}

	// EdgesPrefix covers the edge entries of one record, optionally
	// narrowed to a direction and then to an edge kind.
	EdgesPrefix struct {
		NS, DB, TB string
		ID         any
		Dir        Direction
		Edge       string
	}

	// RawPrefix is an already encoded prefix.
	RawPrefix []byte
)

func (AllPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return append(buf, keyRoot), nil
}

func (NamespacesPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendMeta(append(buf, keyRoot), metaNamespace), nil
}

func (p NamespacePrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendNSPath(buf, p.NS), nil
}

func (p DatabasesPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendMeta(appendNSPath(buf, p.NS), metaDatabase), nil
}

func (p DatabasePrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendDBPath(buf, p.NS, p.DB), nil
}

func (p TablesPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendMeta(appendDBPath(buf, p.NS, p.DB), metaTable), nil
}

func (p TablePrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendTBPath(buf, p.NS, p.DB, p.TB), nil
}

func (p IndexDefsPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendMeta(appendTBPath(buf, p.NS, p.DB, p.TB), metaIndex), nil
}

func (p RecordsPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return append(appendTBPath(buf, p.NS, p.DB, p.TB), keyChild), nil
}

func (p IndexPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	buf = append(appendTBPath(buf, p.NS, p.DB, p.TB), keyIndex)
	buf = appendEscapedString(buf, p.IX)
	if len(p.Values) == 0 {
		return buf, nil
	}
	return appendArray(buf, p.Values, false)
}

func (p TableEdgesPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return append(appendTBPath(buf, p.NS, p.DB, p.TB), keyEdge), nil
}

func (p EdgesPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	buf = append(appendTBPath(buf, p.NS, p.DB, p.TB), keyEdge)
	buf, err := EncodeValue(buf, p.ID)
	if err != nil {
		return nil, err
	}
	switch p.Dir {
	case DirBoth:
		if p.Edge != "" {
			return nil, fmt.Errorf("kvs: edge kind %q given without a direction", p.Edge)
		}
		return buf, nil
	case DirIn, DirOut:
		buf = append(buf, byte(p.Dir))
	default:
		return nil, fmt.Errorf("kvs: invalid edge direction %v", p.Dir)
	}
	if p.Edge == "" {
		return buf, nil
	}
	return appendEscapedString(buf, p.Edge), nil
}

func (p RawPrefix) AppendPrefix(buf []byte) ([]byte, error) {
	return appendRaw(buf, p), nil
}

// KeyRange returns the inclusive lower and exclusive upper bounds of all
// keys starting with p. A nil upper bound means the range is unbounded.
func KeyRange(p Prefix) (lo, hi []byte, err error) {
	lo, err = p.AppendPrefix(nil)
	if err != nil {
		return nil, nil, err
	}
	return lo, prefixEnd(lo), nil
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// keySuccessor returns the smallest key greater than k.
func keySuccessor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}
