package kvs

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeValue appends the msgpack form of v. Map keys are sorted so equal
// values always produce equal bytes.
func encodeValue(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("kvs: failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

// decodeValue decodes into generic Go values: maps become map[string]any,
// integers int64 or uint64, floats float64. Empty data, as stored by index
// and edge entries, decodes to nil.
func decodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, decodeErrf(data, 0, ErrInvalidEncoding, "failed to decode msgpack: %v", err)
	}
	return v, nil
}

// decodeValueInto decodes into the value ptr points to.
func decodeValueInto(data []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return decodeErrf(data, 0, ErrInvalidEncoding, "failed to decode msgpack into %T: %v", ptr, err)
	}
	return nil
}
