package kvs

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// Versionstamp orders commits. Later commits always get greater values.
type Versionstamp uint64

const VersionstampSize = 10

// Bytes returns the 10-byte change-feed form: the big-endian counter
// followed by two zero bytes.
func (v Versionstamp) Bytes() [VersionstampSize]byte {
	var b [VersionstampSize]byte
	binary.BigEndian.PutUint64(b[:8], uint64(v))
	return b
}

func (v Versionstamp) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// VersionstampFromBytes parses the form produced by Bytes.
func VersionstampFromBytes(b []byte) (Versionstamp, error) {
	if len(b) != VersionstampSize {
		return 0, decodeErrf(b, 0, ErrTruncated, "versionstamp must be %d bytes", VersionstampSize)
	}
	if b[8] != 0 || b[9] != 0 {
		return 0, decodeErrf(b, 8, ErrInvalidEncoding, "non-zero versionstamp suffix")
	}
	return Versionstamp(binary.BigEndian.Uint64(b)), nil
}

func ParseVersionstamp(s string) (Versionstamp, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvs: invalid versionstamp %q", s)
	}
	return Versionstamp(v), nil
}

const DefaultVersionstampWindow = 1 << 16

// oracle hands out versionstamps. The upper end of the current window is
// persisted under VersionstampKey before any versionstamp from it is used,
// so a restart continues above everything handed out before.
//
// last is advanced only under Datastore.commitMu.
type oracle struct {
	backend Backend
	window  uint64
	logger  *slog.Logger
	key     []byte

	last  atomic.Uint64
	limit atomic.Uint64

	extendMu sync.Mutex
}

func openOracle(ctx context.Context, backend Backend, window uint64, logger *slog.Logger) (*oracle, error) {
	if window == 0 {
		window = DefaultVersionstampWindow
	}
	o := &oracle{
		backend: backend,
		window:  window,
		logger:  logger,
		key:     mustEncodeKey(VersionstampKey{}),
	}

	btx, err := backend.Begin(ctx, ReadOnly)
	if err != nil {
		return nil, err
	}
	raw, err := btx.Get(ctx, o.key)
	btx.Cancel()
	if err != nil {
		return nil, err
	}
	var stored uint64
	if raw != nil {
		if len(raw) != 8 {
			return nil, decodeErrf(raw, 0, ErrInvalidEncoding, "versionstamp reservation must be 8 bytes")
		}
		stored = binary.BigEndian.Uint64(raw)
	}
	o.last.Store(stored)
	o.limit.Store(stored)

	err = o.extend(ctx)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// current returns the last versionstamp handed out.
func (o *oracle) current() Versionstamp {
	return Versionstamp(o.last.Load())
}

// tryNext returns the next versionstamp, or false when the reserved window
// is used up and extend must run first.
func (o *oracle) tryNext() (Versionstamp, bool) {
	last := o.last.Load()
	if last >= o.limit.Load() {
		return 0, false
	}
	o.last.Store(last + 1)
	return Versionstamp(last + 1), true
}

// low reports whether less than a quarter of the window is left.
func (o *oracle) low() bool {
	return o.limit.Load()-o.last.Load() < o.window/4
}

// extend persists a new window end. It does nothing unless the window is
// running low, so concurrent callers extend at most once.
func (o *oracle) extend(ctx context.Context) error {
	o.extendMu.Lock()
	defer o.extendMu.Unlock()
	if !o.low() {
		return nil
	}

	limit := o.limit.Load() + o.window
	btx, err := o.backend.Begin(ctx, ReadWrite)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], limit)
	err = btx.Set(ctx, o.key, buf[:])
	if err != nil {
		btx.Cancel()
		return err
	}
	_, err = btx.Commit(ctx)
	if err != nil {
		return err
	}
	o.limit.Store(limit)

	o.logger.LogAttrs(ctx, slog.LevelDebug, "db: versionstamps reserved", slog.Uint64("last", o.last.Load()), slog.Uint64("limit", limit))
	return nil
}
