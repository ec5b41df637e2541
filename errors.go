package kvs

import (
	"context"
	"errors"
	"fmt"
)

// Decode error kinds. A *DecodeError always unwraps to one of these.
var (
	ErrTruncated       = errors.New("truncated")
	ErrUnknownTag      = errors.New("unknown tag")
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// Backend error kinds. A *BackendError always unwraps to one of these.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrIO          = errors.New("backend I/O failure")
	ErrTimeout     = errors.New("backend timeout")
)

var (
	ErrConflict            = errors.New("transaction conflict")
	ErrFinalized           = errors.New("transaction already finalized")
	ErrReadOnly            = errors.New("transaction is read-only")
	ErrClosed              = errors.New("datastore closed")
	ErrUnorderedFloat      = errors.New("NaN has no place in key order")
	ErrDuplicateIndexValue = errors.New("duplicate value in unique index")
	ErrUndefined           = errors.New("not defined")
)

// DecodeError reports a malformed or truncated encoded key or value.
type DecodeError struct {
	Data []byte
	Off  int
	Kind error
	Msg  string
}

func decodeErrf(data []byte, off int, kind error, format string, args ...any) error {
	return &DecodeError{data, off, kind, fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func (e *DecodeError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		return fmt.Sprintf("kvs: %v at %d: %s: (%d) %x", e.Kind, e.Off, e.Msg, n, e.Data)
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		return fmt.Sprintf("kvs: %v at %d: %s: (%d) %x...%x", e.Kind, e.Off, e.Msg, n, p, s)
	}
}

// BackendError wraps a failure reported by a storage engine.
type BackendError struct {
	Backend string
	Op      string
	Kind    error
	Err     error
}

func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kvs: %s %s: %v", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("kvs: %s %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

// backendErr classifies err as a timeout (context expiry) or an I/O
// failure. Errors that are already classified pass through.
func backendErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	var ce *ConflictError
	if errors.As(err, &be) || errors.As(err, &ce) {
		return err
	}
	kind := ErrIO
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = ErrTimeout
	}
	return &BackendError{backend, op, kind, err}
}

func unavailable(backend, op string, err error) error {
	return &BackendError{backend, op, ErrUnavailable, err}
}

type ConflictKind int

const (
	ReadWriteConflict ConflictKind = iota
)

func (k ConflictKind) String() string {
	switch k {
	case ReadWriteConflict:
		return "read-write conflict"
	default:
		return fmt.Sprintf("conflict(%d)", int(k))
	}
}

// ConflictError means the transaction overlapped with a concurrently
// committed one. The caller should retry the whole unit of work in a new
// transaction.
type ConflictError struct {
	Kind ConflictKind
	Key  []byte

	// Versionstamp of the commit we collided with, zero when the backend
	// detected the conflict itself.
	Versionstamp Versionstamp
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

func (e *ConflictError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("kvs: %v", e.Kind)
	}
	if e.Versionstamp == 0 {
		return fmt.Sprintf("kvs: %v on %s", e.Kind, describeKey(e.Key))
	}
	return fmt.Sprintf("kvs: %v on %s with commit %v", e.Kind, describeKey(e.Key), e.Versionstamp)
}

// IsConflict reports whether err means the transaction should be retried.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
