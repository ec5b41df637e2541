package kvs

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Value tags. Their numeric order is the cross-type sort order.
const (
	tagTerm   byte = 0x00
	tagNull   byte = 0x02
	tagFalse  byte = 0x03
	tagTrue   byte = 0x04
	tagNumber byte = 0x05
	tagString byte = 0x06
	tagTime   byte = 0x07
	tagUUID   byte = 0x08
	tagArray  byte = 0x09
	tagBytes  byte = 0x0A
	tagThing  byte = 0x0B
	tagMax    byte = 0xFF
)

// Number layout after tagNumber: approx:64 delta:8 kind:8 payload:64.
const (
	numBelow byte = 0x00
	numExact byte = 0x01
	numAbove byte = 0x02

	numInt   byte = 0x01
	numFloat byte = 0x02

	numSize = 8 + 1 + 1 + 8
)

// UUID is a 16-byte identifier, ordered bytewise.
type UUID [16]byte

func (u UUID) String() string {
	var buf [36]byte
	hex.Encode(buf[0:8], u[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], u[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], u[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], u[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], u[10:])
	return string(buf[:])
}

// Thing is a reference to a record: table plus record identifier.
type Thing struct {
	Table string
	ID    any
}

func (t Thing) String() string {
	return t.Table + ":" + formatValue(t.ID)
}

type maxValue struct{}

// Max sorts after every other value. It is only meaningful as a range bound
// and is never stored.
var Max any = maxValue{}

// EncodeValue appends the order-preserving encoding of v to buf.
//
// Accepted inputs: nil, bool, all Go integer types (uint64 values above
// math.MaxInt64 are rejected), float32, float64 (NaN is rejected with
// ErrUnorderedFloat), string, []byte, time.Time, UUID, Thing, []any and
// Max. Named types with those underlying kinds are accepted too.
func EncodeValue(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if v {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case int:
		return appendIntNumber(buf, int64(v)), nil
	case int8:
		return appendIntNumber(buf, int64(v)), nil
	case int16:
		return appendIntNumber(buf, int64(v)), nil
	case int32:
		return appendIntNumber(buf, int64(v)), nil
	case int64:
		return appendIntNumber(buf, v), nil
	case uint:
		return appendUintNumber(buf, uint64(v))
	case uint8:
		return appendIntNumber(buf, int64(v)), nil
	case uint16:
		return appendIntNumber(buf, int64(v)), nil
	case uint32:
		return appendIntNumber(buf, int64(v)), nil
	case uint64:
		return appendUintNumber(buf, v)
	case float32:
		return appendFloatNumber(buf, float64(v))
	case float64:
		return appendFloatNumber(buf, v)
	case string:
		buf = append(buf, tagString)
		return appendEscapedString(buf, v), nil
	case []byte:
		buf = append(buf, tagBytes)
		return appendEscaped(buf, v), nil
	case time.Time:
		return appendTime(buf, v), nil
	case UUID:
		buf = append(buf, tagUUID)
		return appendRaw(buf, v[:]), nil
	case Thing:
		return appendThing(buf, v)
	case *Thing:
		if v == nil {
			return append(buf, tagNull), nil
		}
		return appendThing(buf, *v)
	case []any:
		return appendArray(buf, v, true)
	case maxValue:
		return append(buf, tagMax), nil
	default:
		return encodeReflectValue(buf, reflect.ValueOf(v))
	}
}

func encodeReflectValue(buf []byte, rv reflect.Value) ([]byte, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return EncodeValue(buf, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendIntNumber(buf, rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendUintNumber(buf, rv.Uint())
	case reflect.Float32, reflect.Float64:
		return appendFloatNumber(buf, rv.Float())
	case reflect.String:
		buf = append(buf, tagString)
		return appendEscapedString(buf, rv.String()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf = append(buf, tagBytes)
			return appendEscaped(buf, rv.Bytes()), nil
		}
		fallthrough
	case reflect.Array:
		buf = append(buf, tagArray)
		var err error
		for i, n := 0, rv.Len(); i < n; i++ {
			buf, err = EncodeValue(buf, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
		}
		return append(buf, tagTerm), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(buf, tagNull), nil
		}
		return EncodeValue(buf, rv.Elem().Interface())
	case reflect.Invalid:
		return append(buf, tagNull), nil
	default:
		return nil, fmt.Errorf("kvs: cannot encode %v in a key", rv.Type())
	}
}

func appendArray(buf []byte, elems []any, terminate bool) ([]byte, error) {
	buf = append(buf, tagArray)
	var err error
	for _, el := range elems {
		buf, err = EncodeValue(buf, el)
		if err != nil {
			return nil, err
		}
	}
	if terminate {
		buf = append(buf, tagTerm)
	}
	return buf, nil
}

func appendThing(buf []byte, t Thing) ([]byte, error) {
	switch t.ID.(type) {
	case Thing, *Thing:
		return nil, fmt.Errorf("kvs: record id of %s cannot itself be a record reference", t.Table)
	}
	buf = append(buf, tagThing)
	buf = appendEscapedString(buf, t.Table)
	return EncodeValue(buf, t.ID)
}

func appendTime(buf []byte, t time.Time) []byte {
	buf = append(buf, tagTime)
	buf = appendInt64(buf, t.Unix())
	return appendUint32(buf, uint32(t.Nanosecond()))
}

func appendUintNumber(buf []byte, v uint64) ([]byte, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("kvs: %d is out of the key number range", v)
	}
	return appendIntNumber(buf, int64(v)), nil
}

func appendIntNumber(buf []byte, v int64) []byte {
	f := float64(v)
	off, buf := grow(buf, 1+numSize)
	b := buf[off:]
	b[0] = tagNumber
	putUint64(b[1:], floatBits(f))
	b[9] = intDelta(v, f)
	b[10] = numInt
	putUint64(b[11:], uint64(v)^signBit)
	return buf
}

func appendFloatNumber(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) {
		return nil, ErrUnorderedFloat
	}
	fb := floatBits(f)
	off, buf := grow(buf, 1+numSize)
	b := buf[off:]
	b[0] = tagNumber
	putUint64(b[1:], fb)
	b[9] = numExact
	b[10] = numFloat
	putUint64(b[11:], fb)
	return buf, nil
}

// intDelta classifies v relative to f, its nearest float64.
func intDelta(v int64, f float64) byte {
	if f >= math.MaxInt64 { // 2^63, beyond every int64
		return numBelow
	}
	fi := int64(f) // exact: f is integral here
	switch {
	case v < fi:
		return numBelow
	case v > fi:
		return numAbove
	default:
		return numExact
	}
}

func putUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// DecodeValue decodes a single value from the start of data and returns
// it with the number of bytes consumed. Numbers decode as int64 or
// float64, times as UTC time.Time, arrays as []any.
func DecodeValue(data []byte) (any, int, error) {
	d := makeByteDecoder(data)
	v, err := d.Value()
	if err != nil {
		return nil, 0, err
	}
	return v, d.Off(), nil
}

func (d *byteDecoder) Value() (any, error) {
	off := d.Off()
	tag, err := d.Byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagNumber:
		return d.number(off)
	case tagString:
		return d.EscapedString()
	case tagBytes:
		return d.Escaped()
	case tagTime:
		sec, err := d.Int64()
		if err != nil {
			return nil, err
		}
		nsec, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if nsec >= 1e9 {
			return nil, decodeErrf(d.Orig, off, ErrInvalidEncoding, "nanoseconds out of range: %d", nsec)
		}
		return time.Unix(sec, int64(nsec)).UTC(), nil
	case tagUUID:
		raw, err := d.Raw(16)
		if err != nil {
			return nil, err
		}
		return UUID(raw), nil
	case tagArray:
		elems := []any{}
		for {
			b, ok := d.Peek()
			if !ok {
				return nil, decodeErrf(d.Orig, off, ErrTruncated, "unterminated array")
			}
			if b == tagTerm {
				d.Buf = d.Buf[1:]
				return elems, nil
			}
			el, err := d.Value()
			if err != nil {
				return nil, err
			}
			elems = append(elems, el)
		}
	case tagThing:
		tb, err := d.EscapedString()
		if err != nil {
			return nil, err
		}
		if b, ok := d.Peek(); ok && b == tagThing {
			return nil, decodeErrf(d.Orig, d.Off(), ErrInvalidEncoding, "nested record reference")
		}
		id, err := d.Value()
		if err != nil {
			return nil, err
		}
		return Thing{Table: tb, ID: id}, nil
	case tagMax:
		return Max, nil
	default:
		return nil, decodeErrf(d.Orig, off, ErrUnknownTag, "unknown value tag %02x", tag)
	}
}

func (d *byteDecoder) number(off int) (any, error) {
	raw, err := d.Raw(numSize)
	if err != nil {
		return nil, err
	}
	approx := getUint64(raw[0:])
	delta, kind := raw[8], raw[9]
	payload := getUint64(raw[10:])
	switch kind {
	case numInt:
		v := int64(payload ^ signBit)
		f := float64(v)
		if floatBits(f) != approx || intDelta(v, f) != delta {
			return nil, decodeErrf(d.Orig, off, ErrInvalidEncoding, "inconsistent integer encoding")
		}
		return v, nil
	case numFloat:
		if approx != payload || delta != numExact {
			return nil, decodeErrf(d.Orig, off, ErrInvalidEncoding, "inconsistent float encoding")
		}
		f := floatFromBits(payload)
		if math.IsNaN(f) {
			return nil, decodeErrf(d.Orig, off, ErrInvalidEncoding, "NaN in key")
		}
		return f, nil
	default:
		return nil, decodeErrf(d.Orig, off, ErrUnknownTag, "unknown number kind %02x", kind)
	}
}

func getUint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[7]) | uint64(b[6])<<8 | uint64(b[5])<<16 | uint64(b[4])<<24 |
		uint64(b[3])<<32 | uint64(b[2])<<40 | uint64(b[1])<<48 | uint64(b[0])<<56
}

// CompareValues orders two values the way their encodings sort.
func CompareValues(a, b any) (int, error) {
	ea, err := EncodeValue(nil, a)
	if err != nil {
		return 0, err
	}
	eb, err := EncodeValue(nil, b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}

// canonicalValue converts v to the form DecodeValue would produce.
func canonicalValue(v any) (any, error) {
	enc, err := EncodeValue(nil, v)
	if err != nil {
		return nil, err
	}
	out, _, err := DecodeValue(enc)
	return out, err
}

func formatValue(v any) string {
	var buf strings.Builder
	writeValue(&buf, v)
	return buf.String()
}

func writeValue(w *strings.Builder, v any) {
	switch v := v.(type) {
	case nil:
		w.WriteString("NULL")
	case string:
		w.WriteString(strconv.Quote(v))
	case []byte:
		w.WriteString("0x")
		w.WriteString(hex.EncodeToString(v))
	case time.Time:
		w.WriteString(v.UTC().Format(time.RFC3339Nano))
	case []any:
		w.WriteByte('[')
		for i, el := range v {
			if i > 0 {
				w.WriteString(", ")
			}
			writeValue(w, el)
		}
		w.WriteByte(']')
	case Thing:
		w.WriteString(v.String())
	case maxValue:
		w.WriteString("MAX")
	default:
		fmt.Fprint(w, v)
	}
}
