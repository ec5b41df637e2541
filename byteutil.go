package kvs

import (
	"encoding/binary"
	"io"
	"math"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, b)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

// Order-preserving fixed-width components.

func appendUint64(buf []byte, v uint64) []byte {
	off, buf := grow(buf, 8)
	binary.BigEndian.PutUint64(buf[off:], v)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	off, buf := grow(buf, 4)
	binary.BigEndian.PutUint32(buf[off:], v)
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v)^signBit)
}

const signBit = 1 << 63

// floatBits maps a float to an unsigned integer with the same ordering:
// positive floats get the sign bit set, negative floats are inverted.
func floatBits(f float64) uint64 {
	u := math.Float64bits(f)
	if u&signBit == 0 {
		return u | signBit
	}
	return ^u
}

func floatFromBits(u uint64) float64 {
	if u&signBit != 0 {
		return math.Float64frombits(u &^ signBit)
	}
	return math.Float64frombits(^u)
}

func appendFloat64(buf []byte, f float64) []byte {
	return appendUint64(buf, floatBits(f))
}

const (
	escByte  = 0x00
	escNul   = 0xFF
	escTerm  = 0x01
	termSize = 2
)

// appendEscaped writes s with every 0x00 replaced by 00 FF, followed by the
// 00 01 terminator. The result is never a prefix of another escaped string,
// and escaped strings sort like the originals.
func appendEscaped(buf []byte, s []byte) []byte {
	buf = ensureCapacity(buf, len(buf)+len(s)+termSize)
	for _, b := range s {
		if b == escByte {
			buf = append(buf, escByte, escNul)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, escByte, escTerm)
}

func appendEscapedString(buf []byte, s string) []byte {
	buf = ensureCapacity(buf, len(buf)+len(s)+termSize)
	for i := 0; i < len(s); i++ {
		if b := s[i]; b == escByte {
			buf = append(buf, escByte, escNul)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, escByte, escTerm)
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) EOF() bool {
	return len(d.Buf) == 0
}

func (d *byteDecoder) Peek() (byte, bool) {
	if len(d.Buf) == 0 {
		return 0, false
	}
	return d.Buf[0], true
}

func (d *byteDecoder) Byte() (byte, error) {
	if len(d.Buf) == 0 {
		return 0, decodeErrf(d.Orig, d.Off(), ErrTruncated, "wanted 1 more byte")
	}
	v := d.Buf[0]
	d.Buf = d.Buf[1:]
	return v, nil
}

func (d *byteDecoder) Expect(v byte, what string) error {
	b, err := d.Byte()
	if err != nil {
		return err
	}
	if b != v {
		return decodeErrf(d.Orig, d.Off()-1, ErrUnknownTag, "%s: got %02x, wanted %02x", what, b, v)
	}
	return nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, decodeErrf(d.Orig, d.Off(), ErrTruncated, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uint64() (uint64, error) {
	b, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *byteDecoder) Uint32() (uint32, error) {
	b, err := d.Raw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *byteDecoder) Int64() (int64, error) {
	u, err := d.Uint64()
	return int64(u ^ signBit), err
}

// Escaped reads a string written by appendEscaped. The result is a fresh
// copy, never aliasing the input.
func (d *byteDecoder) Escaped() ([]byte, error) {
	start := d.Off()
	out := make([]byte, 0, 16)
	buf := d.Buf
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b != escByte {
			out = append(out, b)
			continue
		}
		if i+1 >= len(buf) {
			break
		}
		switch buf[i+1] {
		case escNul:
			out = append(out, escByte)
			i++
		case escTerm:
			d.Buf = buf[i+2:]
			return out, nil
		default:
			return nil, decodeErrf(d.Orig, start+i, ErrInvalidEncoding, "invalid escape sequence 00 %02x", buf[i+1])
		}
	}
	return nil, decodeErrf(d.Orig, start, ErrTruncated, "unterminated string")
}

func (d *byteDecoder) EscapedString() (string, error) {
	b, err := d.Escaped()
	return string(b), err
}
