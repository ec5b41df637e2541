package kvs

import (
	"fmt"
	"time"
)

type Op int

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

type (
	// Change is the write set of one commit, as seen by change-feed
	// subscribers.
	Change struct {
		Versionstamp Versionstamp `msgpack:"v"`
		Time         time.Time    `msgpack:"t"`
		Mutations    []Mutation   `msgpack:"m"`
	}

	// Mutation is a single put or delete of a raw key.
	Mutation struct {
		Op    Op     `msgpack:"o"`
		Key   []byte `msgpack:"k"`
		Value []byte `msgpack:"d,omitempty"`
	}
)

func (m *Mutation) DecodedKey() (Key, error) {
	return DecodeKey(m.Key)
}

// DecodedValue decodes a put's value. Deletes yield nil.
func (m *Mutation) DecodedValue() (any, error) {
	if m.Op != OpPut {
		return nil, nil
	}
	return decodeValue(m.Value)
}

func (chg *Change) String() string {
	return fmt.Sprintf("change@%v(%d mutations)", chg.Versionstamp, len(chg.Mutations))
}

// Touches reports whether any mutation falls under p.
func (chg *Change) Touches(p Prefix) (bool, error) {
	lo, hi, err := KeyRange(p)
	if err != nil {
		return false, err
	}
	r := keyRange{lo, hi}
	for _, m := range chg.Mutations {
		if r.contains(m.Key) {
			return true, nil
		}
	}
	return false, nil
}
