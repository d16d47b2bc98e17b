// SPDX-License-Identifier: Apache-2.0

package variant

import (
	"encoding/binary"
	"math"
	"sort"
)

const (
	tagNull       = 0
	tagFalse      = 1
	tagTrue       = 2
	tagInt8       = 3
	tagInt16      = 4
	tagInt32      = 5
	tagInt64      = 6
	tagFloat64    = 7
	tagTimestamp  = 8
	tagShortStr   = 9
	tagLongStr    = 10
	tagBytes      = 11
	tagArray      = 12
	tagObject     = 13
	shortStrLimit = 255
)

// Encode serialises v into a (metadata, value) byte pair. The metadata
// vector carries every object field name v's tree references, in
// first-appearance order; the value vector is the tagged-union payload.
// Encode never fails: any Go Value constructed through this package's
// constructors is representable.
func Encode(v Value) (metadata []byte, value []byte) {
	dict := newDictionary()
	value = encodeValue(v, dict)
	metadata = dict.encode()
	return metadata, value
}

func encodeValue(v Value, dict *dictionary) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{tagNull}
	case KindBool:
		if v.Bool {
			return []byte{tagTrue}
		}
		return []byte{tagFalse}
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return encodeInt(v.Int)
	case KindFloat64:
		out := make([]byte, 9)
		out[0] = tagFloat64
		binary.LittleEndian.PutUint64(out[1:], math.Float64bits(v.Float))
		return out
	case KindTimestamp:
		out := make([]byte, 9)
		out[0] = tagTimestamp
		binary.LittleEndian.PutUint64(out[1:], uint64(v.Time.UnixMilli()))
		return out
	case KindString:
		return encodeString(v.Str)
	case KindBytes:
		out := make([]byte, 5+len(v.Bytes))
		out[0] = tagBytes
		binary.LittleEndian.PutUint32(out[1:], uint32(len(v.Bytes)))
		copy(out[5:], v.Bytes)
		return out
	case KindArray:
		return encodeArray(v.Array, dict)
	case KindObject:
		return encodeObjectValue(v.Object, dict)
	}
	return []byte{tagNull}
}

func encodeInt(i int64) []byte {
	switch {
	case i >= math.MinInt8 && i <= math.MaxInt8:
		return []byte{tagInt8, byte(int8(i))}
	case i >= math.MinInt16 && i <= math.MaxInt16:
		out := make([]byte, 3)
		out[0] = tagInt16
		binary.LittleEndian.PutUint16(out[1:], uint16(int16(i)))
		return out
	case i >= math.MinInt32 && i <= math.MaxInt32:
		out := make([]byte, 5)
		out[0] = tagInt32
		binary.LittleEndian.PutUint32(out[1:], uint32(int32(i)))
		return out
	default:
		out := make([]byte, 9)
		out[0] = tagInt64
		binary.LittleEndian.PutUint64(out[1:], uint64(i))
		return out
	}
}

func encodeString(s string) []byte {
	if len(s) <= shortStrLimit {
		out := make([]byte, 2+len(s))
		out[0] = tagShortStr
		out[1] = byte(len(s))
		copy(out[2:], s)
		return out
	}
	out := make([]byte, 5+len(s))
	out[0] = tagLongStr
	binary.LittleEndian.PutUint32(out[1:], uint32(len(s)))
	copy(out[5:], s)
	return out
}

func encodeArray(items []Value, dict *dictionary) []byte {
	encoded := make([][]byte, len(items))
	total := 0
	for i, it := range items {
		encoded[i] = encodeValue(it, dict)
		total += len(encoded[i])
	}
	width := widthFor(total)
	n := len(items)
	out := make([]byte, 1+4+1+(n+1)*width+total)
	out[0] = tagArray
	binary.LittleEndian.PutUint32(out[1:], uint32(n))
	out[5] = widthCode(width)
	offsetsStart := 6
	dataStart := offsetsStart + (n+1)*width
	off := 0
	for i, enc := range encoded {
		putUint(out[offsetsStart+i*width:], width, uint32(off))
		copy(out[dataStart+off:], enc)
		off += len(enc)
	}
	putUint(out[offsetsStart+n*width:], width, uint32(off))
	return out
}

func encodeObjectValue(obj map[string]Value, dict *dictionary) []byte {
	names := make([]string, 0, len(obj))
	for k := range obj {
		names = append(names, k)
	}
	sort.Strings(names)

	encoded := make([][]byte, len(names))
	ids := make([]int, len(names))
	total := 0
	for i, name := range names {
		ids[i] = dict.intern(name)
		encoded[i] = encodeValue(obj[name], dict)
		total += len(encoded[i])
	}
	width := widthFor(total)
	n := len(names)
	out := make([]byte, 1+4+1+n*4+(n+1)*width+total)
	out[0] = tagObject
	binary.LittleEndian.PutUint32(out[1:], uint32(n))
	out[5] = widthCode(width)
	idsStart := 6
	offsetsStart := idsStart + n*4
	dataStart := offsetsStart + (n+1)*width
	off := 0
	for i, enc := range encoded {
		binary.LittleEndian.PutUint32(out[idsStart+i*4:], uint32(ids[i]))
		putUint(out[offsetsStart+i*width:], width, uint32(off))
		copy(out[dataStart+off:], enc)
		off += len(enc)
	}
	putUint(out[offsetsStart+n*width:], width, uint32(off))
	return out
}
