// Package tuple implements the packed key-tuple encoding used for Load
// keys and stored key columns.
//
// The encoding is canonical and order preserving: byte-wise comparison of
// two packed tuples agrees with element-wise comparison of their values.
// Canonical means logically equal tuples always pack to identical bytes,
// so packed keys can serve directly as destination primary keys.
//
// Element encodings, each prefixed by a one-byte type tag:
//
//	0x01 bytes   - escaped (0x00 -> 0x00 0xFF), 0x00-terminated
//	0x02 string  - NFC-normalized UTF-8, then as bytes
//	0x03 int64   - 8 bytes big-endian with the sign bit flipped
//	0x21 float64 - IEEE 754 bits transformed for byte-wise ordering
//	0x26 false   - no payload
//	0x27 true    - no payload
//
// Strings are NFC normalized before encoding so logically equal keys with
// different Unicode representations pack identically.
package tuple

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/unicode/norm"
)

const (
	tagBytes  = 0x01
	tagString = 0x02
	tagInt    = 0x03
	tagFloat  = 0x21
	tagFalse  = 0x26
	tagTrue   = 0x27
)

// Pack encodes the elements into a single canonical byte string.
// Supported element types: []byte, string, int, int64, uint32, float64,
// bool.
func Pack(elements ...any) ([]byte, error) {
	var out []byte
	for i, el := range elements {
		var err error
		out, err = appendElement(out, el)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// MustPack is Pack for elements known to be of supported types.
// Panics on unsupported types; intended for tests and literals.
func MustPack(elements ...any) []byte {
	b, err := Pack(elements...)
	if err != nil {
		panic(err)
	}
	return b
}

func appendElement(out []byte, el any) ([]byte, error) {
	switch v := el.(type) {
	case []byte:
		return appendBytes(out, tagBytes, v), nil
	case string:
		return appendBytes(out, tagString, []byte(norm.NFC.String(v))), nil
	case int:
		return appendInt(out, int64(v)), nil
	case int64:
		return appendInt(out, v), nil
	case uint32:
		return appendInt(out, int64(v)), nil
	case float64:
		return appendFloat(out, v), nil
	case bool:
		if v {
			return append(out, tagTrue), nil
		}
		return append(out, tagFalse), nil
	default:
		return nil, fmt.Errorf("unsupported element type %T", el)
	}
}

// appendBytes writes tag, the value with 0x00 escaped as 0x00 0xFF, and a
// 0x00 terminator. The escape preserves byte-wise ordering across values
// of differing lengths.
func appendBytes(out []byte, tag byte, v []byte) []byte {
	out = append(out, tag)
	for _, b := range v {
		out = append(out, b)
		if b == 0x00 {
			out = append(out, 0xFF)
		}
	}
	return append(out, 0x00)
}

// appendInt writes the value big-endian with the sign bit flipped, so
// negative values sort below positive ones byte-wise.
func appendInt(out []byte, v int64) []byte {
	out = append(out, tagInt)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return append(out, buf[:]...)
}

// appendFloat writes the IEEE 754 bits transformed for total byte-wise
// ordering: negative values flip all bits, others flip the sign bit.
func appendFloat(out []byte, v float64) []byte {
	out = append(out, tagFloat)
	u := math.Float64bits(v)
	if u&(1<<63) != 0 {
		u = ^u
	} else {
		u ^= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return append(out, buf[:]...)
}

// Unpack decodes a packed tuple back into its elements. Byte and string
// elements come back as []byte and string; ints as int64; bools as bool.
func Unpack(packed []byte) ([]any, error) {
	var out []any
	for len(packed) > 0 {
		tag := packed[0]
		packed = packed[1:]
		switch tag {
		case tagBytes, tagString:
			val, rest, err := readBytes(packed)
			if err != nil {
				return nil, err
			}
			if tag == tagString {
				out = append(out, string(val))
			} else {
				out = append(out, val)
			}
			packed = rest
		case tagInt:
			if len(packed) < 8 {
				return nil, fmt.Errorf("truncated int element")
			}
			u := binary.BigEndian.Uint64(packed[:8])
			out = append(out, int64(u^(1<<63)))
			packed = packed[8:]
		case tagFloat:
			if len(packed) < 8 {
				return nil, fmt.Errorf("truncated float element")
			}
			u := binary.BigEndian.Uint64(packed[:8])
			if u&(1<<63) != 0 {
				u ^= 1 << 63
			} else {
				u = ^u
			}
			out = append(out, math.Float64frombits(u))
			packed = packed[8:]
		case tagFalse:
			out = append(out, false)
		case tagTrue:
			out = append(out, true)
		default:
			return nil, fmt.Errorf("unknown element tag 0x%02x", tag)
		}
	}
	return out, nil
}

func readBytes(in []byte) (val, rest []byte, err error) {
	for i := 0; i < len(in); i++ {
		if in[i] != 0x00 {
			val = append(val, in[i])
			continue
		}
		if i+1 < len(in) && in[i+1] == 0xFF {
			val = append(val, 0x00)
			i++
			continue
		}
		return val, in[i+1:], nil
	}
	return nil, nil, fmt.Errorf("unterminated bytes element")
}
