// SPDX-License-Identifier: Apache-2.0

package variant

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Decode parses a (metadata, value) byte pair produced by Encode back into a
// Value. Any structural inconsistency surfaces as ErrInvalidEncoding, never
// a panic.
func Decode(metadata, value []byte) (Value, error) {
	md, err := decodeMetadata(metadata)
	if err != nil {
		return Value{}, err
	}
	v, n, err := decodeValue(value, md)
	if err != nil {
		return Value{}, err
	}
	if n != len(value) {
		return Value{}, fmt.Errorf("%w: trailing bytes after top-level value", ErrInvalidEncoding)
	}
	return v, nil
}

func decodeValue(b []byte, md *decodedMetadata) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("%w: empty value", ErrInvalidEncoding)
	}
	switch b[0] {
	case tagNull:
		return Null(), 1, nil
	case tagFalse:
		return Bool(false), 1, nil
	case tagTrue:
		return Bool(true), 1, nil
	// Every integer wire width decodes to KindInt64, the kind Int() builds.
	case tagInt8:
		if len(b) < 2 {
			return Value{}, 0, fmt.Errorf("%w: truncated int8", ErrInvalidEncoding)
		}
		return Value{Kind: KindInt64, Int: int64(int8(b[1]))}, 2, nil
	case tagInt16:
		if len(b) < 3 {
			return Value{}, 0, fmt.Errorf("%w: truncated int16", ErrInvalidEncoding)
		}
		return Value{Kind: KindInt64, Int: int64(int16(binary.LittleEndian.Uint16(b[1:])))}, 3, nil
	case tagInt32:
		if len(b) < 5 {
			return Value{}, 0, fmt.Errorf("%w: truncated int32", ErrInvalidEncoding)
		}
		return Value{Kind: KindInt64, Int: int64(int32(binary.LittleEndian.Uint32(b[1:])))}, 5, nil
	case tagInt64:
		if len(b) < 9 {
			return Value{}, 0, fmt.Errorf("%w: truncated int64", ErrInvalidEncoding)
		}
		return Value{Kind: KindInt64, Int: int64(binary.LittleEndian.Uint64(b[1:]))}, 9, nil
	case tagFloat64:
		if len(b) < 9 {
			return Value{}, 0, fmt.Errorf("%w: truncated float64", ErrInvalidEncoding)
		}
		return Value{Kind: KindFloat64, Float: math.Float64frombits(binary.LittleEndian.Uint64(b[1:]))}, 9, nil
	case tagTimestamp:
		if len(b) < 9 {
			return Value{}, 0, fmt.Errorf("%w: truncated timestamp", ErrInvalidEncoding)
		}
		ms := int64(binary.LittleEndian.Uint64(b[1:]))
		return Value{Kind: KindTimestamp, Time: time.UnixMilli(ms).UTC()}, 9, nil
	case tagShortStr:
		if len(b) < 2 {
			return Value{}, 0, fmt.Errorf("%w: truncated short string header", ErrInvalidEncoding)
		}
		n := int(b[1])
		if len(b) < 2+n {
			return Value{}, 0, fmt.Errorf("%w: truncated short string", ErrInvalidEncoding)
		}
		return Value{Kind: KindString, Str: string(b[2 : 2+n])}, 2 + n, nil
	case tagLongStr:
		if len(b) < 5 {
			return Value{}, 0, fmt.Errorf("%w: truncated long string header", ErrInvalidEncoding)
		}
		n := int(binary.LittleEndian.Uint32(b[1:]))
		if n < 0 || len(b) < 5+n {
			return Value{}, 0, fmt.Errorf("%w: truncated long string", ErrInvalidEncoding)
		}
		return Value{Kind: KindString, Str: string(b[5 : 5+n])}, 5 + n, nil
	case tagBytes:
		if len(b) < 5 {
			return Value{}, 0, fmt.Errorf("%w: truncated bytes header", ErrInvalidEncoding)
		}
		n := int(binary.LittleEndian.Uint32(b[1:]))
		if n < 0 || len(b) < 5+n {
			return Value{}, 0, fmt.Errorf("%w: truncated bytes", ErrInvalidEncoding)
		}
		out := make([]byte, n)
		copy(out, b[5:5+n])
		return Value{Kind: KindBytes, Bytes: out}, 5 + n, nil
	case tagArray:
		return decodeArray(b, md)
	case tagObject:
		return decodeObject(b, md)
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown tag %d", ErrInvalidEncoding, b[0])
	}
}

func decodeArray(b []byte, md *decodedMetadata) (Value, int, error) {
	if len(b) < 6 {
		return Value{}, 0, fmt.Errorf("%w: truncated array header", ErrInvalidEncoding)
	}
	n := int(binary.LittleEndian.Uint32(b[1:]))
	width, err := widthFromCode(b[5])
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	offsetsStart := 6
	dataStart := offsetsStart + (n+1)*width
	if len(b) < dataStart {
		return Value{}, 0, fmt.Errorf("%w: truncated array offsets", ErrInvalidEncoding)
	}
	items := make([]Value, n)
	for i := 0; i < n; i++ {
		lo := int(getUint(b[offsetsStart+i*width:], width))
		hi := int(getUint(b[offsetsStart+(i+1)*width:], width))
		if lo < 0 || hi < lo || dataStart+hi > len(b) {
			return Value{}, 0, fmt.Errorf("%w: array element offset out of range", ErrInvalidEncoding)
		}
		v, consumed, err := decodeValue(b[dataStart+lo:dataStart+hi], md)
		if err != nil {
			return Value{}, 0, err
		}
		if consumed != hi-lo {
			return Value{}, 0, fmt.Errorf("%w: array element length mismatch", ErrInvalidEncoding)
		}
		items[i] = v
	}
	total := int(getUint(b[offsetsStart+n*width:], width))
	return Value{Kind: KindArray, Array: items}, dataStart + total, nil
}

func decodeObject(b []byte, md *decodedMetadata) (Value, int, error) {
	if len(b) < 6 {
		return Value{}, 0, fmt.Errorf("%w: truncated object header", ErrInvalidEncoding)
	}
	n := int(binary.LittleEndian.Uint32(b[1:]))
	width, err := widthFromCode(b[5])
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	idsStart := 6
	offsetsStart := idsStart + n*4
	dataStart := offsetsStart + (n+1)*width
	if len(b) < dataStart {
		return Value{}, 0, fmt.Errorf("%w: truncated object offsets", ErrInvalidEncoding)
	}
	obj := make(map[string]Value, n)
	for i := 0; i < n; i++ {
		id := int(binary.LittleEndian.Uint32(b[idsStart+i*4:]))
		if id < 0 || id >= len(md.names) {
			return Value{}, 0, fmt.Errorf("%w: field id out of range", ErrInvalidEncoding)
		}
		lo := int(getUint(b[offsetsStart+i*width:], width))
		hi := int(getUint(b[offsetsStart+(i+1)*width:], width))
		if lo < 0 || hi < lo || dataStart+hi > len(b) {
			return Value{}, 0, fmt.Errorf("%w: object field offset out of range", ErrInvalidEncoding)
		}
		v, consumed, err := decodeValue(b[dataStart+lo:dataStart+hi], md)
		if err != nil {
			return Value{}, 0, err
		}
		if consumed != hi-lo {
			return Value{}, 0, fmt.Errorf("%w: object field length mismatch", ErrInvalidEncoding)
		}
		obj[md.names[id]] = v
	}
	total := int(getUint(b[offsetsStart+n*width:], width))
	return Value{Kind: KindObject, Object: obj}, dataStart + total, nil
}
